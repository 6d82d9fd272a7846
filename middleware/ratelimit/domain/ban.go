package domain

import "time"

type BanRecord struct {
	IssuedAt            time.Time
	ExpiresAt           time.Time
	ViolationCountAtBan int
}

// Expired: o ban vale até ExpiresAt inclusive.
func (b *BanRecord) Expired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

// KeyState é a visão mutável de uma chave enquanto o lock da chave está retido.
//
// Campos nil significam "ausente". Ao final do Update o store persiste o que sobrou:
// WindowRecord nil é removido, ViolationRecord vazio é removido, BanRecord nil é removido.
type KeyState struct {
	Key       Key
	Window    *WindowRecord
	Violation *ViolationRecord
	BanRecord *BanRecord
}

// ActiveBan aplica expiração preguiçosa: um ban vencido é apagado e tratado como ausente.
func (s *KeyState) ActiveBan(now time.Time) *BanRecord {
	if s.BanRecord == nil {
		return nil
	}
	if s.BanRecord.Expired(now) {
		s.BanRecord = nil
		return nil
	}
	return s.BanRecord
}

func (s *KeyState) IsBanned(now time.Time) bool {
	return s.ActiveBan(now) != nil
}

// Ban sobrescreve qualquer ban anterior; durações não se acumulam.
func (s *KeyState) Ban(now time.Time, d time.Duration, violations int) *BanRecord {
	s.BanRecord = &BanRecord{
		IssuedAt:            now,
		ExpiresAt:           now.Add(d),
		ViolationCountAtBan: violations,
	}
	return s.BanRecord
}

func (s *KeyState) ClearBan() { s.BanRecord = nil }

func (s *KeyState) EnsureWindow(now time.Time) *WindowRecord {
	if s.Window == nil {
		s.Window = NewWindowRecord(now)
	}
	return s.Window
}

func (s *KeyState) RecordViolation(now time.Time, horizon time.Duration, keep int) int {
	if s.Violation == nil {
		s.Violation = &ViolationRecord{}
	}
	return s.Violation.Record(now, horizon, keep)
}

// Protected indica que a chave tem ban ativo ou violações pendentes e não pode ser despejada.
func (s *KeyState) Protected(now time.Time, horizon time.Duration) bool {
	if s.BanRecord != nil && !s.BanRecord.Expired(now) {
		return true
	}
	return s.Violation != nil && s.Violation.Prune(now, horizon) > 0
}

// Snapshot é uma cópia somente-leitura do estado de uma chave (admin/debug).
type Snapshot struct {
	Key        Key          `json:"key"`
	Count      int          `json:"count"`
	FirstSeen  *time.Time   `json:"first_seen,omitempty"`
	LastSeen   *time.Time   `json:"last_seen,omitempty"`
	Violations int          `json:"violations"`
	Ban        *BanSnapshot `json:"ban,omitempty"`
}

type BanSnapshot struct {
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	ViolationCountAtBan int       `json:"violation_count_at_ban"`
}

func (s *KeyState) Snapshot() Snapshot {
	out := Snapshot{Key: s.Key}
	if s.Window != nil {
		first, last := s.Window.FirstSeen, s.Window.LastSeen
		out.Count = s.Window.Count
		out.FirstSeen = &first
		out.LastSeen = &last
	}
	if s.Violation != nil {
		out.Violations = s.Violation.Count
	}
	if s.BanRecord != nil {
		out.Ban = &BanSnapshot{
			IssuedAt:            s.BanRecord.IssuedAt,
			ExpiresAt:           s.BanRecord.ExpiresAt,
			ViolationCountAtBan: s.BanRecord.ViolationCountAtBan,
		}
	}
	return out
}
