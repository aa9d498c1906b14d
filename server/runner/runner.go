package runner

import (
	"fmt"
	"os"
	"time"

	"github.com/THPTUHA/careflow/pkg/logger"
	"github.com/THPTUHA/careflow/server/engine"
	"github.com/THPTUHA/careflow/server/messaging"
	redisdb "github.com/THPTUHA/careflow/server/pkg/redis"
	"github.com/THPTUHA/careflow/server/storage"
	"github.com/go-redis/redis/v7"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Runner owns the long lived pieces of a careflow process: the store, the
// engine, the queue and the cron scheduler.
type Runner struct {
	Config *Configs
	Store  storage.Store
	Engine *engine.Engine
	Queue  *Queue
	Sched  *Scheduler

	nc    *nats.Conn
	redis *redis.Client
	log   *logrus.Entry
}

func NewRunner(config *Configs) (*Runner, error) {
	log := logger.New(config.LogLevel, config.LogFormat, "runner")
	r := &Runner{Config: config, log: log}

	store, err := storage.Open(config.Store.Driver, config.PostgresDSN(), logger.New(config.LogLevel, config.LogFormat, "storage"))
	if err != nil {
		return nil, err
	}
	r.Store = store
	if mem, ok := store.(*storage.Memory); ok && config.Store.Seed != "" {
		if err := LoadSeed(mem, config.Store.Seed); err != nil {
			r.Close()
			return nil, err
		}
	}

	var (
		sender    messaging.Sender    = &messaging.NoopSender{}
		publisher messaging.Publisher = messaging.NoopPublisher{}
	)
	if config.Nats.URL != "" {
		nc, err := messaging.Connect(&messaging.NatsConfig{
			URL:           config.Nats.URL,
			Name:          config.Nats.Name,
			ReconnectWait: time.Duration(config.Nats.ReconnectWait) * time.Second,
			MaxReconnects: config.Nats.MaxReconnects,
			Logger:        log,
		})
		if err != nil {
			r.Close()
			return nil, err
		}
		r.nc = nc
		sender = messaging.NewNatsSender(nc, time.Duration(config.Nats.RequestTimeout)*time.Second, logger.New(config.LogLevel, config.LogFormat, "messaging"))
		publisher = messaging.NewEventPublisher(nc)
	} else {
		log.Warn("runner: no nats url configured, messages are not delivered")
	}

	opts := []QueueOption{WithPublisher(publisher)}
	if config.Redis.Host != "" {
		client, err := redisdb.NewRedisDB(config.Redis.Host, config.Redis.Port, config.Redis.Password)
		if err != nil {
			log.WithError(err).Warn("runner: redis unavailable, queue stats are not cached")
		} else {
			r.redis = client
		}
	}
	opts = append(opts, WithStatsCache(NewStatsCache(r.redis, config.Redis.StatsTTL, log)))

	r.Engine = engine.New(store, sender, engine.WithLogger(logger.New(config.LogLevel, config.LogFormat, "engine")))
	q, err := NewQueue(store, r.Engine, config.QueueConfig(), logger.New(config.LogLevel, config.LogFormat, "queue"), opts...)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.Queue = q
	r.Sched = NewScheduler(logger.New(config.LogLevel, config.LogFormat, "scheduler"))
	return r, nil
}

// StartScheduler registers the periodic queue jobs and starts the cron.
func (r *Runner) StartScheduler() error {
	if err := ScheduleQueue(r.Sched, r.Queue, r.Config, r.log); err != nil {
		return err
	}
	return r.Sched.Start()
}

// Close stops the scheduler, waits for running cron jobs and releases every
// connection.
func (r *Runner) Close() {
	if r.Sched != nil {
		<-r.Sched.Stop().Done()
	}
	if r.Queue != nil {
		r.Queue.Close()
	}
	if r.nc != nil {
		if err := r.nc.Drain(); err != nil {
			r.log.WithError(err).Warn("runner: nats drain failed")
		}
	}
	if r.redis != nil {
		r.redis.Close()
	}
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			r.log.WithError(err).Warn("runner: closing store failed")
		}
	}
}

// LoadSeed reads a JSON file of workflows, patients and appointments into
// the memory store.
func LoadSeed(mem *storage.Memory, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed storage.Seed
	if err := json.Unmarshal(b, &seed); err != nil {
		return fmt.Errorf("decode seed %s: %w", file, err)
	}
	return mem.Load(seed)
}
