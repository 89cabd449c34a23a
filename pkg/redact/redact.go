// Package redact keeps track of secret values injected at invocation time
// and masks them in anything that ends up in logs or error messages.
package redact

import (
	"sort"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/syntax"
)

const Mask = "***"

type Redactor struct {
	lock    sync.RWMutex
	secrets []string
}

func New(secrets ...string) *Redactor {
	r := &Redactor{}
	r.Add(secrets...)
	return r
}

// Add registers secrets. Both the raw value and its shell-quoted form are masked,
// since secrets end up inside rendered remote command lines.
func (r *Redactor) Add(secrets ...string) {
	if r == nil {
		return
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, secret := range secrets {
		if len(strings.TrimSpace(secret)) == 0 {
			continue
		}
		r.secrets = appendUnique(r.secrets, secret)
		quoted, err := syntax.Quote(secret, syntax.LangBash)
		if err == nil && quoted != secret {
			r.secrets = appendUnique(r.secrets, quoted)
		}
	}

	// Longest first, so that a secret containing another is masked as a whole.
	sort.SliceStable(r.secrets, func(i, j int) bool {
		return len(r.secrets[i]) > len(r.secrets[j])
	})
}

func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	r.lock.RLock()
	defer r.lock.RUnlock()

	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, Mask)
	}
	return s
}

func (r *Redactor) Len() int {
	if r == nil {
		return 0
	}
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.secrets)
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
