package tasks

import (
	"context"
	"net"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
)

var portNames = map[int]string{
	21:    "ftp",
	23:    "telnet",
	445:   "smb",
	1433:  "mssql",
	3306:  "mysql",
	3389:  "rdp",
	5432:  "postgresql",
	6379:  "redis",
	9200:  "elasticsearch",
	27017: "mongodb",
}

func portName(p int) string {
	if n, ok := portNames[p]; ok {
		return n
	}
	return "tcp/" + strconv.Itoa(p)
}

// ExposedServices connects to well-known database and administration ports.
type ExposedServices struct {
	base
	dialer      Dialer
	dbPorts     []int
	svcPorts    []int
	timeout     time.Duration
	concurrency int
}

func NewExposedServices(cfg Config, dialer Dialer, ev EvidenceWriter, logger logging.Logger) *ExposedServices {
	conc := cfg.DialConcurrency
	if conc <= 0 {
		conc = 1
	}
	return &ExposedServices{
		base:        newBase(ExposedServicesName, ev, logger),
		dialer:      dialer,
		dbPorts:     append([]int(nil), cfg.DatabasePorts...),
		svcPorts:    append([]int(nil), cfg.ServicePorts...),
		timeout:     cfg.DialTimeout,
		concurrency: conc,
	}
}

type portCheck struct {
	port     int
	database bool
	open     bool
}

func (t *ExposedServices) Run(ctx context.Context, tc TaskContext) (int, error) {
	host, _ := splitTarget(tc.Domain)

	checks := make([]portCheck, 0, len(t.dbPorts)+len(t.svcPorts))
	for _, p := range t.dbPorts {
		checks = append(checks, portCheck{port: p, database: true})
	}
	for _, p := range t.svcPorts {
		checks = append(checks, portCheck{port: p})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i := range checks {
		g.Go(func() error {
			dctx := gctx
			if t.timeout > 0 {
				var cancel context.CancelFunc
				dctx, cancel = context.WithTimeout(gctx, t.timeout)
				defer cancel()
			}
			conn, err := t.dialer.DialContext(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(checks[i].port)))
			if err != nil {
				return nil
			}
			conn.Close()
			checks[i].open = true
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sort.SliceStable(checks, func(i, j int) bool { return checks[i].port < checks[j].port })

	findings := 0
	for _, p := range checks {
		if !p.open {
			continue
		}
		a := model.Artifact{
			Type:     model.ArtifactExposedService,
			Severity: model.SeverityMedium,
			Value:    net.JoinHostPort(host, strconv.Itoa(p.port)) + " (" + portName(p.port) + ") accepts connections",
			Meta:     map[string]any{"port": p.port, "service": portName(p.port)},
		}
		rec := "Restrict " + portName(p.port) + " to a VPN or allow-listed addresses."
		desc := "An administrative service is reachable from the internet."
		if p.database {
			a.Type = model.ArtifactExposedDatabase
			a.Severity = model.SeverityHigh
			rec = "Remove public access to the " + portName(p.port) + " port and require private networking."
			desc = "A database port is reachable from the internet; credential stuffing or unauthenticated access can expose data."
		}
		n, err := t.record(ctx, tc, a, rec, desc)
		findings += n
		if err != nil {
			return findings, err
		}
	}

	t.logger.Info("port scan complete",
		logging.Field{Key: "scan_id", Value: tc.ScanID},
		logging.Field{Key: "checked", Value: len(checks)},
		logging.Field{Key: "open", Value: findings})
	return findings, nil
}
