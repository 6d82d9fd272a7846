package domain

import "time"

// ViolationRecord guarda os instantes em que a chave estourou o limite.
// O horizonte é maior que a janela (2x) para que a escalada reflita um padrão sustentado.
type ViolationRecord struct {
	Count      int
	Timestamps []time.Time
}

// Record registra uma violação em now e devolve a contagem já podada.
// Com keep > 0 guarda só os keep instantes mais recentes.
func (v *ViolationRecord) Record(now time.Time, horizon time.Duration, keep int) int {
	v.Timestamps = keepNewest(append(v.Timestamps, now), keep)
	return v.Prune(now, horizon)
}

// Prune remove instantes com now-t >= horizon.
func (v *ViolationRecord) Prune(now time.Time, horizon time.Duration) int {
	kept := v.Timestamps[:0]
	for _, t := range v.Timestamps {
		if now.Sub(t) < horizon {
			kept = append(kept, t)
		}
	}
	v.Timestamps = kept
	v.Count = len(kept)
	return v.Count
}
