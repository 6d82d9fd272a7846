// Package domain define contratos, tipos e algoritmos puros do motor de admissão:
// janelas (sliding/fixed), violações, banimentos temporários e a configuração.
//
// Este pacote não depende de net/http nem de implementações concretas.
// Os registros (WindowRecord, ViolationRecord, BanRecord) não têm lock próprio:
// quem garante exclusão por chave é o AdmissionStore (ver infra.Store).
package domain
