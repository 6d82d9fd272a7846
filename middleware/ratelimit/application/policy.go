package application

import (
	"path"
	"strings"
)

// LimitPolicy calcula o limite efetivo de uma requisição.
//
// Diferente do "primeiro padrão que casa", todos os padrões de rota são avaliados e
// o menor limite vence, junto com o limite do método.
type LimitPolicy struct {
	Default int
	routes  []routeLimit
	methods map[string]int
}

type routeLimit struct {
	pattern string
	limit   int
}

func NewLimitPolicy(def int, routes, methods map[string]int) LimitPolicy {
	p := LimitPolicy{Default: def, methods: make(map[string]int, len(methods))}
	for pattern, limit := range routes {
		p.routes = append(p.routes, routeLimit{pattern: strings.TrimSpace(pattern), limit: limit})
	}
	for m, limit := range methods {
		p.methods[strings.ToUpper(strings.TrimSpace(m))] = limit
	}
	return p
}

// Scope é o limite efetivo e o escopo que o produziu. Route é o padrão configurado
// (não o path da requisição) e Method só vem preenchido quando há limite por método.
type Scope struct {
	Limit  int
	Route  string
	Method string
}

// Resolve devolve o menor limite aplicável; sem nenhum, o padrão global com escopo vazio.
// Empate entre padrões de rota fica com o menor padrão em ordem lexicográfica.
func (p LimitPolicy) Resolve(reqPath, method string) Scope {
	sc := Scope{Limit: p.Default}
	best, matched := 0, false
	for _, r := range p.routes {
		if !MatchRoute(r.pattern, reqPath) {
			continue
		}
		if !matched || r.limit < best || (r.limit == best && r.pattern < sc.Route) {
			sc.Route, best, matched = r.pattern, r.limit, true
		}
	}
	if matched {
		sc.Limit = best
	}

	m := strings.ToUpper(strings.TrimSpace(method))
	if l, ok := p.methods[m]; ok {
		sc.Method = m
		if !matched || l < sc.Limit {
			sc.Limit = l
		}
	}
	return sc
}

// EffectiveLimit é Resolve(...).Limit.
func (p LimitPolicy) EffectiveLimit(reqPath, method string) int {
	return p.Resolve(reqPath, method).Limit
}

// MatchRoute usa a sintaxe de path.Match; padrões terminados em "/*" também casam
// qualquer path mais profundo ("/api/*" casa "/api/v1/users").
func MatchRoute(pattern, reqPath string) bool {
	if pattern == reqPath {
		return true
	}
	if ok, err := path.Match(pattern, reqPath); err == nil && ok {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return reqPath == prefix || strings.HasPrefix(reqPath, prefix+"/")
	}
	return false
}
