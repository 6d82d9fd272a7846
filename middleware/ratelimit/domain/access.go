package domain

import "strings"

// AccessList decide allowlist/denylist por identidade.
type AccessList interface {
	Allowed(identity string) bool
	Denied(identity string) bool
}

type StaticAccessList struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

func NewStaticAccessList(allow, deny []string) *StaticAccessList {
	l := &StaticAccessList{
		allow: make(map[string]struct{}, len(allow)),
		deny:  make(map[string]struct{}, len(deny)),
	}
	for _, k := range allow {
		if k = strings.TrimSpace(k); k != "" {
			l.allow[k] = struct{}{}
		}
	}
	for _, k := range deny {
		if k = strings.TrimSpace(k); k != "" {
			l.deny[k] = struct{}{}
		}
	}
	return l
}

func (l *StaticAccessList) Allowed(identity string) bool {
	if l == nil {
		return false
	}
	_, ok := l.allow[identity]
	return ok
}

func (l *StaticAccessList) Denied(identity string) bool {
	if l == nil {
		return false
	}
	_, ok := l.deny[identity]
	return ok
}

func (l *StaticAccessList) Len() (allow, deny int) {
	if l == nil {
		return 0, 0
	}
	return len(l.allow), len(l.deny)
}

// AccessLists combina várias listas: basta uma delas permitir/negar.
type AccessLists []AccessList

func (ls AccessLists) Allowed(identity string) bool {
	for _, l := range ls {
		if l != nil && l.Allowed(identity) {
			return true
		}
	}
	return false
}

func (ls AccessLists) Denied(identity string) bool {
	for _, l := range ls {
		if l != nil && l.Denied(identity) {
			return true
		}
	}
	return false
}
