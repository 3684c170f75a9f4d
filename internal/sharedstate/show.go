package sharedstate

// View is a read-only presentational snapshot of a SharedData, used by
// the show command. It never drives a mutation.
type View struct {
	OwnFwmark    int32   `json:"own_fwmark"`
	FwOffset     int32   `json:"fw_offset"`
	M            uint32  `json:"m"`
	N            uint32  `json:"n"`
	Active       []bool  `json:"active"`
	LookupSample []int32 `json:"lookup_sample"`
	ModuloActive int32   `json:"modulo_active"`
	ModuloLookup []int32 `json:"modulo_lookup"`
}

// lookupSampleSize mirrors the original show command, which only ever
// printed the first 25 Maglev lookup entries.
const lookupSampleSize = 25

// NewView snapshots sh for presentation.
func NewView(sh *SharedData) View {
	v := View{
		OwnFwmark: sh.OwnFwmark,
		FwOffset:  sh.FwOffset,
		M:         sh.Magd.M,
		N:         sh.Magd.N,
	}
	v.Active = make([]bool, sh.Magd.N)
	for i := uint32(0); i < sh.Magd.N; i++ {
		v.Active[i] = sh.Magd.Active[i] != 0
	}

	sample := lookupSampleSize
	if uint32(sample) > sh.Magd.M {
		sample = int(sh.Magd.M)
	}
	v.LookupSample = append(v.LookupSample, sh.Magd.Lookup[:sample]...)

	v.ModuloActive = sh.Modulo.NActive
	v.ModuloLookup = append(v.ModuloLookup, sh.Modulo.Lookup[:sh.Modulo.NActive]...)
	return v
}
