// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/tempo/pkg/model"
)

// generateSchema reflects the response schema of T.
//
// Supported tags:
//   - json:"name" - Property name
//   - jsonschema:"required" - Required property
//   - jsonschema:"description=..." - Property description
//   - jsonschema:"minimum=N,maximum=M" - Numeric constraints
func generateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	data, err := json.Marshal(reflector.Reflect(new(T)))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to convert schema to map: %w", err)
	}

	delete(schema, "$schema")
	delete(schema, "$id")
	return schema, nil
}

// mustSchema is generateSchema for the package's own output types.
func mustSchema[T any]() map[string]any {
	s, err := generateSchema[T]()
	if err != nil {
		panic(err)
	}
	return s
}

// decode parses a structured response into T.
// Any failure is a model.KindParsing error.
func decode[T any](text string) (*T, error) {
	raw := stripFence(text)
	if raw == "" {
		return nil, model.ParsingError(fmt.Errorf("empty response"))
	}

	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, model.ParsingError(err)
	}
	return &v, nil
}

// stripFence removes a ```json fence some models wrap JSON output in.
func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
