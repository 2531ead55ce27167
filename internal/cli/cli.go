package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"megafield/internal/acquisition"
	"megafield/internal/config"
	"megafield/internal/fsutil"
	"megafield/internal/grpcserver"
	"megafield/internal/hardware"
	"megafield/internal/regions"
	"megafield/internal/server"
	"megafield/internal/storage"
)

// remoteClient is the part of the gRPC client the remote commands use.
type remoteClient interface {
	Status(ctx context.Context, id string) (acquisition.Status, error)
	Cancel(ctx context.Context, id string) (acquisition.Status, error)
	List(ctx context.Context) ([]acquisition.Status, error)
	Close() error
}

type backendFactory func(cfg *config.Config) (server.Backend, error)

type serverFunc func(ctx context.Context, r *Root, backend server.Backend, httpAddr, grpcAddr string) error

type dialFunc func(target string) (remoteClient, error)

func simBackend(cfg *config.Config) (server.Backend, error) {
	sim, err := hardware.NewSimInstrument(cfg.Simulator)
	if err != nil {
		return server.Backend{}, err
	}
	return server.SimBackend(sim, cfg), nil
}

func dialRemote(target string) (remoteClient, error) {
	return grpcserver.Dial(target)
}

// Root holds what the commands share.
type Root struct {
	acq   *acquisition.Acquirer
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store

	backendFn backendFactory
	serveFn   serverFunc
	dialFn    dialFunc

	once       sync.Once
	backendVal server.Backend
	backendErr error
}

// NewRoot wires the commands to an acquirer.
func NewRoot(acq *acquisition.Acquirer, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		acq:       acq,
		cfg:       cfg,
		log:       logger,
		store:     store,
		backendFn: simBackend,
		serveFn:   defaultServe,
		dialFn:    dialRemote,
	}
}

// backend builds the instrument on first use.
func (r *Root) backend() (server.Backend, error) {
	r.once.Do(func() {
		r.backendVal, r.backendErr = r.backendFn(r.cfg)
	})
	return r.backendVal, r.backendErr
}

// regionPath accepts a file path or the name of a region in the regions
// directory.
func (r *Root) regionPath(arg string) string {
	dir := r.cfg.Paths.RegionsDir
	p := fsutil.FirstExisting(arg,
		filepath.Join(dir, arg),
		filepath.Join(dir, arg+".yaml"),
		filepath.Join(dir, arg+".yml"))
	if p == "" {
		return arg
	}
	return p
}

func (r *Root) loadRegion(arg string) (*acquisition.Region, error) {
	b, err := r.backend()
	if err != nil {
		return nil, err
	}
	f, err := regions.Load(r.regionPath(arg))
	if err != nil {
		return nil, err
	}
	r.calibrationRegions(f.ROC2, f.ROC3)
	return f.Build(acquisition.FieldGeometryOf(b.Megafield.MultiBeam), r.cfg.Acquisition.Overlap)
}

// calibrationRegions completes calibration regions given only by name from
// the store, and stores the ones that come with a box.
func (r *Root) calibrationRegions(rocs ...*acquisition.CalibrationRegion) {
	for _, roc := range rocs {
		if roc == nil || roc.Name == "" {
			continue
		}
		if roc.Left == roc.Right && roc.Top == roc.Bottom {
			rec, err := r.store.CalibrationRegion(roc.Name)
			if err != nil {
				r.log.Warn("unknown calibration region", "name", roc.Name, "error", err)
				continue
			}
			roc.Left, roc.Top, roc.Right, roc.Bottom = rec.Left, rec.Top, rec.Right, rec.Bottom
			if roc.Params == nil {
				roc.Params = rec.Params
			}
			continue
		}
		err := r.store.SaveCalibrationRegion(storage.CalibrationRegionRecord{
			Name:   roc.Name,
			Left:   roc.Left,
			Top:    roc.Top,
			Right:  roc.Right,
			Bottom: roc.Bottom,
			Params: roc.Params,
		})
		if err != nil {
			r.log.Warn("failed to store calibration region", "name", roc.Name, "error", err)
		}
	}
}

// defaultServe runs the HTTP and gRPC servers until ctx is done or one of
// them fails.
func defaultServe(ctx context.Context, r *Root, backend server.Backend, httpAddr, grpcAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- server.NewServer(httpAddr, r.store, r.acq, backend, r.cfg, r.log).Start(ctx)
	}()
	go func() {
		errCh <- grpcserver.NewAcquisitionServer(r.acq, backend, r.cfg, r.log).Start(ctx, grpcAddr)
	}()

	err := <-errCh
	cancel()
	if err2 := <-errCh; err == nil {
		err = err2
	}
	return err
}

// waitRun waits for run, cancelling it when ctx ends first.
func (r *Root) waitRun(ctx context.Context, w io.Writer, run *acquisition.Run) error {
	select {
	case <-run.Done():
	case <-ctx.Done():
		r.log.Info("cancelling acquisition", "id", run.ID())
		run.Cancel()
		<-run.Done()
	}
	return r.report(w, run)
}

// report prints the outcome of a finished run.
func (r *Root) report(w io.Writer, run *acquisition.Run) error {
	res, err := run.Result(0)
	st := run.Status()
	switch {
	case errors.Is(err, acquisition.ErrCancelled):
		fmt.Fprintf(w, "Acquisition %s cancelled after %d of %d fields\n", run.ID(), len(res.Tiles), st.Total)
		return err
	case err != nil:
		fmt.Fprintf(w, "Acquisition %s failed: %v\n", run.ID(), err)
		return err
	case res.Err != nil:
		fmt.Fprintf(w, "Acquisition %s stopped early: %d of %d fields acquired (%v)\n", run.ID(), len(res.Tiles), st.Total, res.Err)
		return res.Err
	}
	fmt.Fprintf(w, "Acquisition %s done: %d fields in %s\n", run.ID(), len(res.Tiles), st.End.Sub(st.Start).Round(time.Millisecond))
	return nil
}

func printStatuses(w io.Writer, sts []acquisition.Status) {
	if len(sts) == 0 {
		fmt.Fprintln(w, "No acquisitions")
		return
	}
	fmt.Fprintf(w, "%-36s  %-9s  %-16s  %s\n", "ID", "KIND", "STATE", "FIELDS")
	for _, st := range sts {
		printStatus(w, st)
	}
}

func printStatus(w io.Writer, st acquisition.Status) {
	line := fmt.Sprintf("%-36s  %-9s  %-16s  %d/%d", st.ID, st.Kind, st.State, st.Acquired, st.Total)
	if st.Error != "" {
		line += "  " + st.Error
	}
	fmt.Fprintln(w, line)
}

func formatIndices(r *acquisition.Region) string {
	idx := r.Indices()
	parts := make([]string, len(idx))
	for i, p := range idx {
		parts[i] = fmt.Sprintf("%d,%d", p.Col, p.Row)
	}
	return strings.Join(parts, " ")
}
