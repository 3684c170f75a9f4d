package maglev

// ModuloAux is the companion lookup table used by modulo mode: the
// ascending list of currently active backend indices, addressed by
// hash-mod-nActive instead of hash-mod-M.
type ModuloAux struct {
	NActive int32
	Lookup  [MaxN]int32
}

// UpdateModulo recomputes m from the given MagData's Active flags. It
// must run after every mutation of Active so the two tables never
// disagree about which backends are live.
func UpdateModulo(m *ModuloAux, d *MagData) {
	m.NActive = 0
	for i := uint32(0); i < d.N; i++ {
		if d.Active[i] != 0 {
			m.Lookup[m.NActive] = int32(i)
			m.NActive++
		}
	}
}
