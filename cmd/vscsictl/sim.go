package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/metrics"
	"github.com/openvmk/vscsi/internal/scsi"
	"github.com/openvmk/vscsi/internal/vscsi"
	"github.com/openvmk/vscsi/internal/vscsi/backend"
)

var simCommand = cli.Command{
	Name:  "sim",
	Usage: "Exercise the dispatcher against a file-backed disk",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "dir",
			Usage: "directory for the backing files (default: a temp dir)",
		},
		cli.Int64Flag{
			Name:  "size-mb",
			Usage: "virtual disk size in MiB",
			Value: 64,
		},
		cli.IntFlag{
			Name:  "workers",
			Usage: "concurrent guest workers, one handle each",
			Value: 4,
		},
		cli.IntFlag{
			Name:  "ops",
			Usage: "write/read pairs per worker",
			Value: 1000,
		},
		cli.BoolFlag{
			Name:  "cow",
			Usage: "use a copy-on-write delta over the base disk",
		},
		cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "if set, serve prometheus metrics on this address for the run",
		},
	},
	Action: runSim,
}

func runSim(c *cli.Context) error {
	ctx := context.Background()

	dir := c.String("dir")
	if dir == "" {
		var err error
		if dir, err = os.MkdirTemp("", "vscsi-sim"); err != nil {
			return err
		}
		defer os.RemoveAll(dir)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if addr := c.String("metrics-addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.G(ctx).WithError(err).Error("metrics server failed")
			}
		}()
	}

	d, err := vscsi.NewDispatcher(cfgStore, vscsi.WithMetrics(m))
	if err != nil {
		return err
	}
	d.Start(ctx)
	defer d.Stop()

	sizeBytes := c.Int64("size-mb") << 20
	blocks := uint64(sizeBytes / backend.DefaultBlockSize)
	workers := c.Int("workers")
	ops := c.Int("ops")

	var serial uint64
	start := time.Now()
	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		eg.Go(func() error {
			be, err := openSimBackend(ctx, c, dir, w, sizeBytes, blocks)
			if err != nil {
				return err
			}
			id, err := d.Open(ctx, uint32(w), be, vscsi.OpenOptions{})
			if err != nil {
				return err
			}
			defer d.Close(ctx, id)
			return simWorker(ctx, d, id, blocks, ops, &serial)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	total := workers * ops * 2
	log.G(ctx).WithFields(logrus.Fields{
		"commands": total,
		"elapsed":  elapsed.String(),
		"rate":     int(float64(total) / elapsed.Seconds()),
	}).Info("simulation complete")
	return nil
}

func openSimBackend(ctx context.Context, c *cli.Context, dir string, worker int, sizeBytes int64, blocks uint64) (vscsi.Backend, error) {
	base, err := backend.CreateLocalFile(filepath.Join(dir, fmt.Sprintf("disk%d-flat.bin", worker)), sizeBytes)
	if err != nil {
		return nil, err
	}
	if !c.Bool("cow") {
		return backend.OpenFlat(ctx, base)
	}
	delta, err := backend.CreateLocalFile(filepath.Join(dir, fmt.Sprintf("disk%d-delta.bin", worker)), 0)
	if err != nil {
		return nil, err
	}
	return backend.OpenCow(ctx, base, delta, blocks)
}

// simWorker issues write/read-back pairs at random addresses, polling each
// completion with exponential backoff.
func simWorker(ctx context.Context, d *vscsi.Dispatcher, id vscsi.HandleID, blocks uint64, ops int, serial *uint64) error {
	rng := rand.New(rand.NewSource(int64(id)))
	buf := make([]byte, backend.DefaultBlockSize)
	verify := make([]byte, backend.DefaultBlockSize)

	for i := 0; i < ops; i++ {
		lba := uint32(rng.Int63n(int64(blocks)))
		rng.Read(buf)

		if err := issueAndWait(ctx, d, id, rwCDB(scsi.Write10, lba), buf, serial); err != nil {
			return errors.Wrapf(err, "write at lba %d", lba)
		}
		if err := issueAndWait(ctx, d, id, rwCDB(scsi.Read10, lba), verify, serial); err != nil {
			return errors.Wrapf(err, "read at lba %d", lba)
		}
		for j := range buf {
			if buf[j] != verify[j] {
				return errors.Errorf("data mismatch at lba %d byte %d", lba, j)
			}
		}
	}
	return nil
}

func issueAndWait(ctx context.Context, d *vscsi.Dispatcher, id vscsi.HandleID, cdb, data []byte, serial *uint64) error {
	cmd := &vscsi.Command{
		SerialNo: atomic.AddUint64(serial, 1),
		CDB:      cdb,
		Data:     data,
	}
	if err := d.Execute(ctx, id, cmd); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Microsecond
	bo.MaxInterval = 5 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second

	var res *vscsi.Result
	err := backoff.Retry(func() error {
		r, _, err := d.Poll(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if r == nil {
			return errors.New("no completion yet")
		}
		res = r
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return err
	}
	if !res.Status.OK() {
		return errors.Errorf("command failed: host %#x device %#x sense %+v",
			res.Status.Host, res.Status.Device, res.Sense)
	}
	return nil
}

func rwCDB(op byte, lba uint32) []byte {
	cdb := make([]byte, 10)
	cdb[0] = op
	cdb[2] = byte(lba >> 24)
	cdb[3] = byte(lba >> 16)
	cdb[4] = byte(lba >> 8)
	cdb[5] = byte(lba)
	cdb[8] = 1 // one block
	return cdb
}
