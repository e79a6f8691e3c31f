package api

import (
	"strings"

	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// TokenResolver supplies values for {Token} placeholders. Dotted tokens
// such as "Parent.Id" or "Site.Id" walk the object graph; ok is false when
// the value is not known yet.
type TokenResolver interface {
	ResolveToken(name string) (value string, ok bool)
}

// TokenMap is a fixed TokenResolver.
type TokenMap map[string]string

// ResolveToken implements TokenResolver. Empty values count as unresolved.
func (m TokenMap) ResolveToken(name string) (string, bool) {
	v, ok := m[name]
	return v, ok && v != ""
}

// ResolveTemplate substitutes every {Token} in tpl. Any token the resolver
// cannot supply fails with sdkerr.ErrUnresolvedToken before a request is
// built.
func ResolveTemplate(tpl string, r TokenResolver) (string, error) {
	if !strings.Contains(tpl, "{") {
		return tpl, nil
	}

	var b strings.Builder

	rest := tpl

	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}

		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", sdkerr.NewClientError(sdkerr.ErrUnresolvedToken, "unterminated token in %q", tpl)
		}

		name := rest[open+1 : open+end]
		if r == nil {
			return "", sdkerr.NewClientError(sdkerr.ErrUnresolvedToken, "{%s} in %q: no resolver", name, tpl)
		}

		v, ok := r.ResolveToken(name)
		if !ok {
			return "", sdkerr.NewClientError(sdkerr.ErrUnresolvedToken, "{%s} in %q", name, tpl)
		}

		b.WriteString(rest[:open])
		b.WriteString(v)
		rest = rest[open+end+1:]
	}

	return b.String(), nil
}
