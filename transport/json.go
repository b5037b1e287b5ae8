// Copyright 2026 The relaymesh Authors
// This file is part of relaymesh.
//
// relaymesh is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// relaymesh is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with relaymesh. If not, see <http://www.gnu.org/licenses/>.

package transport

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RecvText reads the next frame and decodes it as UTF-8 text regardless
// of whether the sender marked it text or binary (spec.md 4.1).
func (c *Channel) RecvText(ctx context.Context) (string, error) {
	f, err := c.Recv(ctx)
	if err != nil {
		return "", err
	}
	return string(f.Data), nil
}

// RecvJSON reads the next frame and decodes it as a generic JSON
// object.
func (c *Channel) RecvJSON(ctx context.Context) (map[string]any, error) {
	f, err := c.Recv(ctx)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(f.Data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return obj, nil
}

// RecvJSONWithField reads the next frame, decodes it as JSON, and
// additionally requires obj[key] == expected, failing with ErrWrongType
// otherwise. This backs the broker and peer handshakes' structural
// checks ("is this really a communication_request?").
func (c *Channel) RecvJSONWithField(ctx context.Context, key string, expected any) (map[string]any, error) {
	obj, err := c.RecvJSON(ctx)
	if err != nil {
		return nil, err
	}
	got, ok := obj[key]
	if !ok || got != expected {
		return nil, fmt.Errorf("%w: field %q = %v, want %v", ErrWrongType, key, got, expected)
	}
	return obj, nil
}
