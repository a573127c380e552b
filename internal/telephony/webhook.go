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

package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"
)

// VerifyHMACHex reports whether signature (optionally "sha256=<hex>") is
// the hex-encoded HMAC-SHA256 of body under secret. Grounded on
// internal/daemon/webhook.GenericHandler.verifyHMAC, generalized from a
// webhook-relay signature check into a provider-agnostic primitive shared
// by every telephony adapter that signs its callbacks this way.
func VerifyHMACHex(signature string, body []byte, secret string) bool {
	sig := signature
	if idx := strings.Index(signature, "="); idx >= 0 && strings.Contains(signature[:idx], "sha") {
		sig = signature[idx+1:]
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected))
}

// VerifyHMACBase64SHA1 reports whether signature is the base64-encoded
// HMAC-SHA1 of the concatenated url and sorted form parameters under
// authToken — the scheme Twilio-style providers use for X-*-Signature
// headers over webhook form bodies.
func VerifyHMACBase64SHA1(url string, params map[string]interface{}, signature, authToken string) bool {
	var b strings.Builder
	b.WriteString(url)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(toParamString(params[k]))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// VerifyBearerToken reports whether the Authorization header value
// "Bearer <token>" matches secret.
func VerifyBearerToken(authHeader, secret string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return false
	}
	return hmac.Equal([]byte(strings.TrimPrefix(authHeader, prefix)), []byte(secret))
}

func toParamString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return ""
	}
}
