package counterstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// incrExpireScript atomically increments a counter and, only on the call
// that creates it, sets its TTL — one round trip, one result, matching the
// 1-query-to-1-result contract of spec §4.4 despite being two Redis-level
// operations.
const incrExpireScript = `
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v == tonumber(ARGV[1]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`

// TLSConfig mirrors the teacher's redis TLS config shape.
type TLSConfig struct {
	Enabled bool
	CAFile  string
}

// Config configures the valkey-backed counter store.
type Config struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      TLSConfig
}

type valkeyStore struct {
	client valkey.Client
}

// NewValkeyStore connects to a Valkey/Redis-compatible backend, exactly as
// internal/runtime/cache/redis.go builds its valkey.ClientOption and pings
// once before returning.
func NewValkeyStore(cfg Config) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("counterstore: address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil, fmt.Errorf("counterstore: read ca file: %w", err)
				}
				return nil, fmt.Errorf("counterstore: read ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("counterstore: ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("counterstore: client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("counterstore: ping: %w", err)
	}

	return &valkeyStore{client: client}, nil
}

// NewPipeline opens a fresh pipeline against an already-connected client.
// Connect failures for this store happen in NewValkeyStore; per-request
// pipelines never dial, so the only failure mode here is context
// cancellation — still surfaced as an error so the caller's fail-open path
// (spec §4.4) treats it the same way.
func (s *valkeyStore) NewPipeline(ctx context.Context) (Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &valkeyPipeline{client: s.client}, nil
}

func (s *valkeyStore) Close() error {
	s.client.Close()
	return nil
}

type valkeyPipeline struct {
	client  valkey.Client
	queries []Query
}

func (p *valkeyPipeline) Build(queries []Query) {
	p.queries = append(p.queries, queries...)
}

func (p *valkeyPipeline) Execute(ctx context.Context) ([]*int64, error) {
	if len(p.queries) == 0 {
		return nil, nil
	}
	cmds := make([]valkey.Completed, len(p.queries))
	for i, q := range p.queries {
		switch q.Op {
		case OpIncrExpire:
			ttlMs := q.TTL.Milliseconds()
			if ttlMs <= 0 {
				ttlMs = 1
			}
			cmds[i] = p.client.B().Eval().
				Script(incrExpireScript).
				Numkeys(1).
				Key(string(q.Key)).
				Arg(fmt.Sprint(q.Increment), fmt.Sprint(ttlMs)).
				Build()
		case OpGet:
			cmds[i] = p.client.B().Get().Key(string(q.Key)).Build()
		default:
			cmds[i] = p.client.B().Get().Key(string(q.Key)).Build()
		}
	}

	results := p.client.DoMulti(ctx, cmds...)
	out := make([]*int64, len(results))
	for i, res := range results {
		if err := res.Error(); err != nil {
			if errors.Is(err, valkey.Nil) {
				out[i] = nil
				continue
			}
			// Per-query decode/exec errors are swallowed individually
			// (spec §4.4): leave this slot absent and continue.
			out[i] = nil
			continue
		}
		v, err := res.ToInt64()
		if err != nil {
			out[i] = nil
			continue
		}
		val := v
		out[i] = &val
	}
	return out, nil
}
