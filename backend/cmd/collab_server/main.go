package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"collabSync/backend/config"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/httpapi/middleware"
	"collabSync/backend/internal/ot/revision"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/ws"
)

// storage 修订存储和（可选的）快照存储
type storage struct {
	disk      revision.DiskCache
	snapshots handlers.SnapshotSaver
	closers   []func() error
}

func (s *storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Printf("storage: close err=%v", err)
		}
	}
}

func openStorage(ctx context.Context, cfg *config.ServerConfig) (*storage, error) {
	s := &storage{}
	switch cfg.Storage.Driver {
	case "gorm", "mysql":
		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, sqlDB.Close)
		disk := store.NewGormDiskCache(gdb)
		if err := disk.Migrate(ctx); err != nil {
			return nil, err
		}
		s.disk = disk
		if s.snapshots, err = openSnapshots(ctx, sqlDB); err != nil {
			return nil, err
		}
	case "postgres":
		db, err := store.OpenSQL(ctx, store.DialectPostgres, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		if s.disk, err = openSQLDisk(ctx, db, store.DialectPostgres); err != nil {
			return nil, err
		}
	case "sqlite3":
		db, err := store.OpenSQL(ctx, store.DialectSQLite, cfg.Sqlite.Path)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		if s.disk, err = openSQLDisk(ctx, db, store.DialectSQLite); err != nil {
			return nil, err
		}
		if s.snapshots, err = openSnapshots(ctx, db); err != nil {
			return nil, err
		}
	case "mongo":
		client, err := store.ConnectMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { return client.Disconnect(context.Background()) })
		disk := store.NewMongoDiskCache(client.Database(cfg.Mongo.Database))
		if err := disk.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		s.disk = disk
	case "memory":
		s.disk = revision.NewMemoryDiskCache()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	log.Printf("storage: driver=%s snapshots=%t", cfg.Storage.Driver, s.snapshots != nil)
	return s, nil
}

func openSQLDisk(ctx context.Context, db *sql.DB, dialect store.Dialect) (revision.DiskCache, error) {
	disk, err := store.NewSQLDiskCache(db, dialect)
	if err != nil {
		return nil, err
	}
	if err := disk.Migrate(ctx); err != nil {
		return nil, err
	}
	return disk, nil
}

func openSnapshots(ctx context.Context, db *sql.DB) (*store.SnapshotStore, error) {
	snapshots := store.NewSnapshotStore(db)
	if err := snapshots.Migrate(ctx); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func openPresence(ctx context.Context, cfg *config.ServerConfig) (cache.PresenceCache, func()) {
	if len(cfg.Redis.Addrs) == 0 {
		log.Printf("presence: no redis configured, using memory")
		return cache.NewMemoryPresence(), func() {}
	}
	// 单个地址是单机，多个地址是集群
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	return cache.NewRedisPresence(rdb), func() { _ = rdb.Close() }
}

func openEvents(cfg *config.ServerConfig) (collab.EventPublisher, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Printf("kafka: no brokers configured, revision events disabled")
		return nil, func() {}
	}
	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}

	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		collab.NewSemaphoreControl(8),
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)
	return dispatcher, func() {
		dispatcher.Close()
		_ = producer.Close()
	}
}

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d storage=%s redis=%v kafka=%v", cfg.Running.Port, cfg.Storage.Driver, cfg.Redis.Addrs, cfg.Kafka.Brokers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer st.Close()

	presence, closePresence := openPresence(ctx, cfg)
	defer closePresence()

	events, closeEvents := openEvents(cfg)
	defer closeEvents()

	hub := ws.NewHub()
	opts := []collab.ServerOption{collab.WithBroadcaster(hub)}
	if events != nil {
		opts = append(opts, collab.WithEventPublisher(events))
	}
	server := collab.NewServerManager(st.disk, opts...)
	manager := ws.NewManager(hub, server, collab.NewSemaphoreControl(cfg.Sync.MaxInFlight), presence)
	manager.SetHandleTimeout(cfg.Sync.PushTimeout)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())

	group := r.Group("/collab")
	// 从 Authorization 或 ?token= 提取 token，写入 userId
	group.Use(middleware.Auth([]byte(cfg.Auth.Secret)))
	group.GET("/ws", manager.WebSocketConnect)
	group.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message":   "ok",
			"documents": len(server.OpenDocuments()),
		})
	})
	handlers.NewDocuments(server, st.snapshots, presence).Register(group)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("collab_server: listening addr=%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Printf("collab_server: exit err=%v", err)
	}
}
