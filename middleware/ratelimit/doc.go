// Package ratelimit fornece adapters net/http para o motor de admissão:
// rate limit por janela com escalada para ban, limite de concorrência e WebSocket.
//
// Visão geral (camadas):
//
//   - domain: contratos, tipos e algoritmos de janela/violação/ban (sem net/http)
//   - application: Gate (decisão allow/rate_limited/banned), LimitPolicy e ConnectionRegistry
//   - infra: Store com shards + janitor, sinks de estatística, access list em arquivo, semáforo
//   - ratelimit (este pacote): middlewares HTTP, handler WebSocket, extração de chave e
//     tradução da decisão para status/headers/close codes
//
// Fluxo HTTP:
//
//  1. Extrai a identidade (header, X-Forwarded-For, RemoteAddr ou KeyExtractor)
//  2. Gate.Decide devolve a decisão (já registrada nos sinks)
//  3. Escreve X-RateLimit-* e, se negada, Retry-After + corpo configurável (429)
//  4. Se permitida, chama o próximo handler; com skipSuccessful/skipFailed a
//     contagem é revertida depois que o status da resposta é conhecido
//
// Fluxo WebSocket: upgrade, Authenticator opcional, ConnectionRegistry.Admit,
// ping/pong para liveness e uma decisão por mensagem recebida. Rejeições fecham
// com 4000 (capacidade), 4001 (autenticação), 4003 (ban) ou 4029 (rate limit).
package ratelimit
