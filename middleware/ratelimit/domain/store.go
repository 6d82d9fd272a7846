package domain

// AdmissionStore é a camada de mapas (janelas, violações, bans) compartilhada pelo gate
// e pelo janitor.
//
// Update executa fn com exclusão por chave: nenhuma outra operação sobre a mesma chave
// intercala entre a checagem de ban, a mutação da janela e a violação.
// fn não deve fazer I/O.
type AdmissionStore interface {
	Update(key Key, fn func(st *KeyState))
	Reset(key Key)
	Len() int
}
