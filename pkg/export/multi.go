package export

import (
	"errors"

	"github.com/markus-lassfolk/uomping/pkg"
)

// MultiSink hands every record to each sink in order
type MultiSink []pkg.FlushingSink

func (m MultiSink) Save(rec pkg.Record) {
	for _, s := range m {
		s.Save(rec)
	}
}

// Close closes every sink and joins their errors
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
