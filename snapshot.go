package adcd

import (
	"fmt"
	"os"
	"time"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// WriteBufferSnapshot writes each channel's running-average ring, rotated into
// time order (oldest sample first), as an nchan x AvgDepth matrix in numpy
// .npy format. Diagnostic tool: the exact same values feed the averages that
// consumers read.
func (cs *ChannelStore) WriteBufferSnapshot(path string, timeout time.Duration) error {
	nchan := cs.Nchan()
	vals := make([]float64, nchan*AvgDepth)
	err := cs.withLock(timeout, func() error {
		for i := range cs.channels {
			copy(vals[i*AvgDepth:(i+1)*AvgDepth], cs.channels[i].Avg.history())
		}
		return nil
	})
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create snapshot file: %w", err)
	}
	m := mat.NewDense(nchan, AvgDepth, vals)
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return fmt.Errorf("could not write snapshot: %w", err)
	}
	return f.Close()
}
