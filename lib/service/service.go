/*
 * SealSkin
 * Copyright (C) 2025  LinuxServer.io
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package service assembles the broker process: it wires the stores,
// the container runtime, the launch engine and both listeners together
// and supervises them until the process is told to stop.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/apps"
	"github.com/linuxserver/sealskin/lib/autostart"
	"github.com/linuxserver/sealskin/lib/broker"
	"github.com/linuxserver/sealskin/lib/collab"
	"github.com/linuxserver/sealskin/lib/config"
	"github.com/linuxserver/sealskin/lib/defaults"
	"github.com/linuxserver/sealskin/lib/envelope"
	"github.com/linuxserver/sealskin/lib/gpu"
	"github.com/linuxserver/sealskin/lib/identity"
	"github.com/linuxserver/sealskin/lib/jobs"
	"github.com/linuxserver/sealskin/lib/provider"
	"github.com/linuxserver/sealskin/lib/provider/docker"
	"github.com/linuxserver/sealskin/lib/proxy"
	"github.com/linuxserver/sealskin/lib/session"
	"github.com/linuxserver/sealskin/lib/shares"
	"github.com/linuxserver/sealskin/lib/storage"
	"github.com/linuxserver/sealskin/lib/users"
	"github.com/linuxserver/sealskin/lib/utils"
	"github.com/linuxserver/sealskin/lib/web"
)

// shutdownTimeout bounds the drain of in-flight requests once the
// process has been told to stop.
const shutdownTimeout = 10 * time.Second

// Run boots the broker and blocks until ctx is cancelled or a listener
// fails. Every subsystem is constructed in dependency order; the first
// construction error aborts the boot.
func Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	initLogging(cfg.LogLevel)
	logger := slog.With(sealskin.ComponentKey, sealskin.ComponentService)
	logger.InfoContext(ctx, "SealSkin starting.", "version", sealskin.Version)

	if err := ensureDirectories(cfg); err != nil {
		return trace.Wrap(err)
	}

	key, err := envelope.LoadOrGenerateKey(cfg.ServerPrivateKeyPath, defaults.ServerKeyBits)
	if err != nil {
		return trace.Wrap(err)
	}
	channel := envelope.NewChannel(key)

	directory, err := users.NewDirectory(users.Config{
		KeysPath:    cfg.KeysBasePath,
		GroupsPath:  cfg.GroupsBasePath,
		StoragePath: cfg.StoragePath,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	catalog, err := apps.NewCatalog(apps.CatalogConfig{
		InstalledAppsPath: cfg.InstalledAppsPath,
		StoresPath:        cfg.AppStoresPath,
		DefaultStoreURL:   cfg.AppResourcePath,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	templates, err := apps.NewTemplates(apps.TemplatesConfig{
		DefaultDir: cfg.DefaultAppTemplatesPath,
		UserDir:    cfg.AppTemplatesPath,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	manager, err := storage.NewManager(storage.Config{
		StorageRoot: cfg.StoragePath,
		UploadDir:   cfg.UploadDir,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	shareStore, err := shares.NewStore(shares.Config{
		MetadataPath: cfg.PublicSharesMetadataPath,
		FilesDir:     cfg.PublicStoragePath,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	sessions, err := session.NewStore(session.StoreConfig{Path: cfg.SessionsDBPath})
	if err != nil {
		return trace.Wrap(err)
	}
	runtime, err := newRuntime(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := sessions.Reconcile(ctx, runtime); err != nil {
		// Session records already point at live containers; a failed
		// persist must not keep them from being served.
		logger.WarnContext(ctx, "Could not persist reconciled session store.", "error", err)
	}

	apiPort, sessionPort := cfg.APIPort, cfg.SessionPort
	var translator *provider.Translator
	self, err := runtime.InspectSelf(ctx, cfg.APIPort, cfg.SessionPort)
	if err != nil {
		logger.WarnContext(ctx, "Could not inspect own container, host path translation disabled.", "error", err)
	} else {
		translator = provider.NewTranslator(self.Mounts)
		if self.APIHostPort != 0 {
			apiPort = self.APIHostPort
		}
		if self.SessionHostPort != 0 {
			sessionPort = self.SessionHostPort
		}
	}

	gpus := gpu.NewProber().Detect()
	logger.InfoContext(ctx, "GPU detection complete.", "devices", len(gpus))

	cache, err := autostart.NewCache(autostart.Config{CachePath: cfg.AutostartCachePath})
	if err != nil {
		return trace.Wrap(err)
	}
	cache.RefreshAll(ctx, catalog.Stores())

	images, err := provider.NewImages(provider.ImagesConfig{Runtime: runtime})
	if err != nil {
		return trace.Wrap(err)
	}
	primeImages(ctx, images, catalog, logger)

	engine, err := broker.NewEngine(broker.Config{
		Catalog:             catalog,
		Templates:           templates,
		Autostart:           cache,
		Storage:             manager,
		Sessions:            sessions,
		Runtime:             runtime,
		Translator:          translator,
		GPUs:                gpus,
		ContainerConfigPath: cfg.ContainerConfigPath,
		PUID:                cfg.PUID,
		PGID:                cfg.PGID,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	rooms, err := collab.NewRooms(collab.RoomsConfig{
		Sessions:          sessions,
		Pusher:            collab.NewControlPlane(),
		SessionCookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Channel:     channel,
		Auth:        identity.NewAuthenticator(directory),
		Directory:   directory,
		Catalog:     catalog,
		Templates:   templates,
		Autostart:   cache,
		Storage:     manager,
		Sessions:    sessions,
		Shares:      shareStore,
		Broker:      engine,
		Images:      images,
		GPUs:        gpus,
		APIPort:     apiPort,
		SessionPort: sessionPort,
		StoragePath: cfg.StoragePath,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	sessionProxy, err := proxy.NewProxy(proxy.Config{
		Sessions:          sessions,
		Shares:            shareStore,
		Rooms:             rooms,
		SessionCookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	runner, err := jobs.NewRunner(jobs.Config{
		Catalog:              catalog,
		Autostart:            cache,
		Images:               images,
		Shares:               shareStore,
		AutoUpdateApps:       cfg.AutoUpdateApps,
		AutoUpdateInterval:   cfg.AutoUpdateInterval,
		ShareCleanupInterval: cfg.ShareCleanupInterval,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	return trace.Wrap(serve(ctx, cfg, handler, sessionProxy, directory, runner, logger))
}

// serve runs both listeners, the directory watcher and the background
// jobs until ctx is cancelled or a listener fails, then drains in
// order: stop accepting, cancel jobs, join.
func serve(ctx context.Context, cfg *config.Config, handler, sessionProxy http.Handler, directory *users.Directory, runner *jobs.Runner, logger *slog.Logger) error {
	apiServer := &http.Server{
		Addr:              net.JoinHostPort(defaults.BindIP, strconv.Itoa(cfg.APIPort)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	proxyServer := &http.Server{
		Addr:              net.JoinHostPort(defaults.BindIP, strconv.Itoa(cfg.SessionPort)),
		Handler:           sessionProxy,
		ReadHeaderTimeout: 10 * time.Second,
	}
	certFile, keyFile := proxyTLSFiles(cfg, logger)

	jobsCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()
	runner.Start(jobsCtx)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.InfoContext(ctx, "Starting API server.", "port", cfg.APIPort)
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	group.Go(func() error {
		logger.InfoContext(ctx, "Starting session proxy.", "port", cfg.SessionPort, "tls", certFile != "")
		var err error
		if certFile != "" {
			err = proxyServer.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = proxyServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	group.Go(func() error {
		return trace.Wrap(directory.Watch(groupCtx))
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down.")
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(drainCtx); err != nil {
			logger.Warn("API server did not drain cleanly.", "error", err)
		}
		if err := proxyServer.Shutdown(drainCtx); err != nil {
			logger.Warn("Session proxy did not drain cleanly.", "error", err)
		}
		stopJobs()
		runner.Wait()
		return nil
	})
	return trace.Wrap(group.Wait())
}

// initLogging installs the process-wide text logger. The level string
// was validated by config.CheckAndSetDefaults.
func initLogging(level string) {
	parsed, err := config.ParseLogLevel(level)
	if err != nil {
		parsed = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parsed})))
}

// ensureDirectories creates the runtime directories that must exist
// before any store opens. Upload staging, the ephemeral mount area and
// public share content stay private to the broker; the storage root is
// reached by hosted containers through bind mounts.
func ensureDirectories(cfg *config.Config) error {
	for _, dir := range []struct {
		path string
		mode os.FileMode
	}{
		{cfg.StoragePath, defaults.SharedDirMode},
		{cfg.UploadDir, defaults.PrivateDirMode},
		{cfg.EphemeralRoot(), defaults.PrivateDirMode},
		{cfg.PublicStoragePath, defaults.PrivateDirMode},
		{cfg.AutostartCachePath, defaults.PrivateDirMode},
	} {
		if err := utils.EnsureDir(dir.path, dir.mode); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// newRuntime constructs the configured container runtime driver.
func newRuntime(ctx context.Context, cfg *config.Config) (provider.Runtime, error) {
	switch cfg.DefaultProvider {
	case "docker":
		runtime, err := docker.NewRuntime(ctx, docker.Config{})
		return runtime, trace.Wrap(err)
	}
	return nil, trace.BadParameter("unsupported provider %q", cfg.DefaultProvider)
}

// primeImages fills the metadata cache for every installed image so
// the first admin page load does not trigger a burst of inspects.
func primeImages(ctx context.Context, images *provider.Images, catalog *apps.Catalog, logger *slog.Logger) {
	seen := make(map[string]bool)
	for _, app := range catalog.Apps() {
		image := app.ProviderConfig.Image
		if seen[image] {
			continue
		}
		seen[image] = true
		if err := images.Refresh(ctx, image, false); err != nil {
			logger.WarnContext(ctx, "Could not prime image metadata.", "image", image, "error", err)
		}
	}
	logger.InfoContext(ctx, "Image metadata cache populated.")
}

// proxyTLSFiles returns the session listener TLS materials when both
// files exist. A missing pair downgrades the listener to cleartext so
// a fresh install still comes up.
func proxyTLSFiles(cfg *config.Config, logger *slog.Logger) (certFile, keyFile string) {
	_, certErr := os.Stat(cfg.ProxyCertPath)
	_, keyErr := os.Stat(cfg.ProxyKeyPath)
	if certErr == nil && keyErr == nil {
		return cfg.ProxyCertPath, cfg.ProxyKeyPath
	}
	hint := fmt.Sprintf("openssl req -x509 -newkey rsa:4096 -keyout %s -out %s -sha256 -days 365 -nodes -subj \"/CN=localhost\"",
		cfg.ProxyKeyPath, cfg.ProxyCertPath)
	logger.Warn("SSL certificate for proxy not found, sessions will be served over cleartext HTTP.",
		"key_path", cfg.ProxyKeyPath, "cert_path", cfg.ProxyCertPath,
		"generate_with", hint)
	return "", ""
}
