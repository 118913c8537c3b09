// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package runner

import "strings"

// ContextPrefix marks caller-supplied context variables. The prefix is
// stripped before injection into the subprocess environment.
const ContextPrefix = "SWB_CTX_"

// BuildEnv produces the subprocess environment from the parent environment
// and caller-supplied context variables. Nesting markers from any enclosing
// generation session are scrubbed so the subprocess starts a fresh session.
// Caller entries without the context prefix are dropped; the gateway cannot
// set arbitrary environment variables.
func BuildEnv(base []string, callerCtx map[string]string) []string {
	env := make([]string, 0, len(base)+len(callerCtx))
	for _, kv := range base {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if name == "CLAUDECODE" || strings.HasPrefix(name, "CLAUDE_CODE_") {
			continue
		}
		env = append(env, kv)
	}

	for name, value := range callerCtx {
		if !strings.HasPrefix(name, ContextPrefix) {
			continue
		}
		key := strings.TrimPrefix(name, ContextPrefix)
		if key == "" {
			continue
		}
		env = append(env, key+"="+value)
	}
	return env
}
