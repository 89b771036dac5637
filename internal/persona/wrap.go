// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persona

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// wrapFailure is returned when formatting the diagnostic itself fails.
const wrapFailure = "A critical error occurred during error handling. System unstable."

// WrapError turns err into an in-character diagnostic sentence. context, when
// non-empty, is appended in parentheses after the message. A nil error or an
// empty message reads as "Unknown error".
func WrapError(err error, context string) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("error wrapping failed")
			msg = wrapFailure
		}
	}()

	text := "Unknown error"
	if err != nil && err.Error() != "" {
		text = err.Error()
	}

	suffix := ""
	if context != "" {
		suffix = fmt.Sprintf(" (%s)", context)
	}

	log.Error().Str("error", text).Str("context", context).Msg("wrapping error for delivery")
	return fmt.Sprintf("System Error detected in the synchronization layer: %s%s. Suggesting manual reboot or signal verification.", text, suffix)
}
