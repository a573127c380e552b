// Copyright 2025 Tom Barlow
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

package engine

import (
	"fmt"
	"strings"
)

// renderTemplate substitutes {{variable}} placeholders in template with
// values from vars. A placeholder with no matching variable is left
// untouched rather than erroring, since global and node prompts are
// authored independently and either may reference a variable the other
// side hasn't populated yet.
func renderTemplate(template string, vars map[string]interface{}) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		rest = rest[start+2:]

		end := strings.Index(rest, "}}")
		if end == -1 {
			b.WriteString("{{")
			b.WriteString(rest)
			break
		}

		name := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]

		if v, ok := vars[name]; ok {
			b.WriteString(fmt.Sprint(v))
		} else {
			b.WriteString("{{")
			b.WriteString(name)
			b.WriteString("}}")
		}
	}
	return b.String()
}
