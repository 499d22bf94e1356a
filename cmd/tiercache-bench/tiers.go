package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/codec"
	tclogrus "github.com/unkn0wn-root/tiercache/log/logrus"
	tczap "github.com/unkn0wn-root/tiercache/log/zap"
	pbig "github.com/unkn0wn-root/tiercache/provider/bigcache"
	predis "github.com/unkn0wn-root/tiercache/provider/redis"
	prist "github.com/unkn0wn-root/tiercache/provider/ristretto"
	"github.com/unkn0wn-root/tiercache/ttlstore"
)

// record is the benchmark value type.
type record struct {
	ID      int    `json:"id" msgpack:"id" cbor:"1,keyasint"`
	Payload string `json:"payload" msgpack:"payload" cbor:"2,keyasint"`
}

// stack owns everything the benchmark opened, closed in reverse order.
type stack struct {
	log     tiercache.Logger
	local   tiercache.Cache[int, record]
	dist    tiercache.Cache[int, record]
	closers []func(context.Context) error
}

func (s *stack) close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.log.Warn("close failed", tiercache.Fields{"err": err})
		}
	}
}

func newLogger(kind string) (tiercache.Logger, func(context.Context) error, error) {
	switch kind {
	case "zap":
		l, err := zap.NewProduction()
		if err != nil {
			return nil, nil, err
		}
		return tczap.ZapLogger{L: l}, func(context.Context) error { _ = l.Sync(); return nil }, nil
	case "logrus":
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetFormatter(&logrus.JSONFormatter{})
		return tclogrus.LogrusLogger{E: logrus.NewEntry(l)}, nil, nil
	case "none", "":
		return tiercache.NopLogger{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown logger %q", kind)
	}
}

func valueCodec(kind string) (codec.Codec[record], error) {
	switch kind {
	case "json":
		return codec.JSON[record]{}, nil
	case "msgpack":
		return codec.Msgpack[record]{}, nil
	case "cbor":
		return codec.NewCBOR[record](codec.CBOROptions{Canonical: true})
	default:
		return nil, fmt.Errorf("unknown codec %q", kind)
	}
}

func buildStack(cfg config, st settings) (*stack, error) {
	log, syncLog, err := newLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}
	s := &stack{log: log}
	if syncLog != nil {
		s.closers = append(s.closers, syncLog)
	}
	fail := func(err error) (*stack, error) {
		s.close(context.Background())
		return nil, err
	}

	vc, err := valueCodec(cfg.Codec)
	if err != nil {
		return fail(err)
	}

	switch cfg.Local {
	case "ttlstore":
		store := ttlstore.New[int, record](ttlstore.Options[int]{Name: "bench-local", MaxItems: cfg.LocalItems})
		s.local = store
		s.closers = append(s.closers, store.Close)
	case "ristretto":
		p, err := prist.New(prist.Config{
			NumCounters: int64(cfg.LocalItems) * 10,
			MaxCost:     int64(cfg.LocalItems),
			BufferItems: 64,
		})
		if err != nil {
			return fail(err)
		}
		pc, err := tiercache.NewProviderCache(tiercache.ProviderCacheOptions[int, record]{
			Name: "bench-local", Type: "ristretto", Namespace: "bench",
			Provider: p, Codec: vc, KeyCodec: codec.IntKey[int]{}, Logger: log,
		})
		if err != nil {
			return fail(err)
		}
		s.local = pc
		s.closers = append(s.closers, pc.Close)
	case "bigcache":
		p, err := pbig.New(context.Background(), pbig.Config{LifeWindow: st.localTTL, CleanWindow: st.localTTL})
		if err != nil {
			return fail(err)
		}
		pc, err := tiercache.NewProviderCache(tiercache.ProviderCacheOptions[int, record]{
			Name: "bench-local", Type: "bigcache", Namespace: "bench",
			Provider: p, Codec: vc, KeyCodec: codec.IntKey[int]{}, Logger: log,
		})
		if err != nil {
			return fail(err)
		}
		s.local = pc
		s.closers = append(s.closers, pc.Close)
	case "none", "":
	default:
		return fail(fmt.Errorf("unknown local tier %q", cfg.Local))
	}

	addr := cfg.Redis
	switch addr {
	case "none", "":
		return s, nil
	case "embedded":
		mr, err := miniredis.Run()
		if err != nil {
			return fail(err)
		}
		s.closers = append(s.closers, func(context.Context) error { mr.Close(); return nil })
		addr = mr.Addr()
	}
	rp, err := predis.New(predis.Config{
		Client:      goredis.NewClient(&goredis.Options{Addr: addr}),
		CloseClient: true,
	})
	if err != nil {
		return fail(err)
	}
	dist, err := tiercache.NewProviderCache(tiercache.ProviderCacheOptions[int, record]{
		Name: "bench-redis", Type: "redis", Namespace: "bench:record",
		Provider: rp, Codec: vc, KeyCodec: codec.IntKey[int]{}, Logger: log,
	})
	if err != nil {
		return fail(err)
	}
	s.dist = dist
	s.closers = append(s.closers, dist.Close)
	return s, nil
}
