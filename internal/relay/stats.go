package relay

import "math"

// Statistics computes counts by status and type, and per-building online
// percentages, from the current cache.
func (r *Registry) Statistics() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Types:     make(map[Type]int),
		Buildings: make(map[string]BuildingStats),
	}
	for _, rec := range r.relays {
		s.Total++
		switch rec.Status {
		case StatusOnline:
			s.Online++
		case StatusError:
			s.Error++
		default:
			s.Offline++
		}
		s.Types[rec.Type]++
	}

	for building, ids := range r.byBuilding {
		var b BuildingStats
		for _, id := range ids {
			rec, ok := r.relays[id]
			if !ok {
				continue
			}
			b.Total++
			if rec.Status == StatusOnline {
				b.Online++
			}
		}
		if b.Total > 0 {
			b.OnlinePercent = math.Round(float64(b.Online)/float64(b.Total)*1000) / 10
		}
		s.Buildings[building] = b
	}
	return s
}
