package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"collabSync/backend/config"
	"collabSync/backend/internal/editor"
	"collabSync/backend/internal/localapi"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/ws"
)

// syncURL 同步地址；没有 token 时用 ?user= 标识自己（服务端未开启鉴权）
func syncURL(server, userID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/") + "/collab/ws")
	if err != nil {
		return "", err
	}
	if token == "" {
		q := u.Query()
		q.Set("user", userID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	userID := cfg.User.ID
	if userID == "" {
		userID = uuid.NewString()
	}
	wsURL, err := syncURL(cfg.Server.URL, userID, cfg.User.Token)
	if err != nil {
		log.Fatalf("bad server url %q: %v", cfg.Server.URL, err)
	}
	log.Printf("config: addr=%s server=%s user=%s storage=%s", cfg.Running.Addr, cfg.Server.URL, userID, cfg.Storage.Path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenSQL(ctx, store.DialectSQLite, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open local cache: %v", err)
	}
	defer db.Close()
	disk, err := store.NewSQLDiskCache(db, store.DialectSQLite)
	if err != nil {
		log.Fatalf("Failed to open local cache: %v", err)
	}
	if err := disk.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate local cache: %v", err)
	}

	// 每个文档一条连接
	dial := func(ctx context.Context, objectID string) (editor.Transport, error) {
		return ws.Dial(wsURL, ws.ClientOptions{Token: cfg.User.Token}), nil
	}
	editors := editor.NewEditorManager(userID, disk, dial, editor.Options{
		UndoWindow:   cfg.History.Window,
		FlushDelay:   cfg.Sync.FlushDelay,
		SyncInterval: cfg.Sync.Interval,
	})

	srv := &http.Server{
		Addr:    cfg.Running.Addr,
		Handler: localapi.NewServer(editors).Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("collab_client: listening addr=%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// 关闭编辑器时把未落盘的修订写入本地缓存
		if cerr := editors.CloseAll(shutdownCtx); cerr != nil && err == nil {
			err = cerr
		}
		return err
	})
	if err := g.Wait(); err != nil {
		log.Printf("collab_client: exit err=%v", err)
	}
}
