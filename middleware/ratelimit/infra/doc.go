// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - Store: AdmissionStore em memória, particionado por xxhash, com janitor periódico
//   - ChanPool: semáforo simples para limite de requisições em voo
//   - MemoryStatsStore / RedisStatsStore / PrometheusStats / LogStats: sinks de eventos
//   - FileAccessList: allowlist/denylist em YAML com recarga via fsnotify
package infra
