package discovery

import "context"

// StaticSource yields a fixed sequence of Scheme values and then blocks
// until ctx is cancelled. It is used by tests and by single-node setups
// that have no external discovery collaborator but still want to go
// through the same Source contract as a clustered deployment.
type StaticSource struct {
	schemes []Scheme
	pos     int
}

// NewStaticSource returns a Source that yields each of schemes in order,
// then blocks forever (until ctx is cancelled) once exhausted.
func NewStaticSource(schemes ...Scheme) *StaticSource {
	return &StaticSource{schemes: schemes}
}

func (s *StaticSource) Next(ctx context.Context) (Scheme, error) {
	if s.pos < len(s.schemes) {
		sch := s.schemes[s.pos]
		s.pos++
		return sch, nil
	}
	<-ctx.Done()
	return Scheme{}, ctx.Err()
}
