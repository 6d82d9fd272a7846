// Package application contém os casos de uso do motor de admissão.
//
// Ele depende apenas do pacote domain (e do logger) e não conhece net/http.
// Ex.: Gate.Decide(ctx, req) retorna uma Decision (allow / rate_limited / banned);
// ConnectionRegistry aplica os mesmos contratos a conexões de longa duração.
package application
