// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regserver

import (
	"encoding/json"
	"log"

	"github.com/yeetrun/cratecatch/pkg/regerr"
)

// RegistryError is a single error detail in a registry response.
type RegistryError struct {
	Detail string `json:"detail"`
}

// RegistryErrors is the error-array payload registry responses carry in
// place of HTTP error statuses.
type RegistryErrors struct {
	Errors []RegistryError `json:"errors"`
}

// encodeErrors renders err's cause chain as a JSON error array, one
// detail per cause from outermost to innermost. If that encoding itself
// fails the hand-built fallback is used so the client always receives a
// well-formed payload.
func encodeErrors(err error) string {
	var errs RegistryErrors
	for _, detail := range regerr.Details(err) {
		errs.Errors = append(errs.Errors, RegistryError{Detail: detail})
	}
	data, jsonErr := json.Marshal(errs)
	if jsonErr != nil {
		log.Printf("%v", regerr.Wrap(regerr.KindInternalEncoding, "failed to encode error response", jsonErr))
		return encodeFallbackError(err)
	}
	return string(data)
}

// encodeFallbackError builds the error payload by hand, without the
// JSON encoder. It is missing proper escaping, so this conversion is
// strictly a last resort.
func encodeFallbackError(err error) string {
	return "{\"errors\":[\n    {\"detail\":\"failed to convert internal error to JSON\"},\n    {\"detail\":\"" + err.Error() + "\"}\n  ]}"
}
