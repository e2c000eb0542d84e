package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"tiervault/internal/config"
	"tiervault/internal/handler"
	"tiervault/internal/repository"
	"tiervault/internal/service"
	"tiervault/internal/service/s3"
	"tiervault/internal/tier"
	"tiervault/internal/token"
)

const eventRetention = 90 * 24 * time.Hour

// createDatabaseQuery экранирует имя базы как идентификатор - имя приходит
// из конфигурации и может содержать произвольные символы
func createDatabaseQuery(name string) string {
	return "CREATE DATABASE " + pq.QuoteIdentifier(name)
}

func connectWithRetry(cfg *config.DatabaseConfig, maxAttempts int, delay time.Duration) (*sqlx.DB, error) {
	// Сначала подключаемся к системной базе postgres, которая всегда существует
	dsn := cfg.GetDSN()
	pgDSN := strings.Replace(dsn, "dbname="+cfg.Name, "dbname=postgres", 1)
	pgDB, err := sqlx.Connect("postgres", pgDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres database: %v", err)
	}
	defer pgDB.Close()

	// Проверяем, существует ли рабочая база данных
	var exists bool
	err = pgDB.Get(&exists, "SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)", cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %v", err)
	}

	// Если базы нет, создаем её
	if !exists {
		log.Printf("Database %s does not exist, creating...", cfg.Name)
		_, err = pgDB.Exec(createDatabaseQuery(cfg.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %v", err)
		}
	}

	// Теперь пытаемся подключиться к рабочей базе
	var db *sqlx.DB
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.Connect("postgres", dsn)
		if err == nil {
			return db, nil
		}

		log.Printf("Failed to connect to database (attempt %d/%d): %v", i+1, maxAttempts, err)
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %v", maxAttempts, err)
}

func runMigrations(cfg *config.Config) error {
	databaseURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)

	var m *migrate.Migrate
	var err error

	for i := 0; i < 5; i++ {
		m, err = migrate.New("file://migrations", databaseURL)
		if err == nil {
			break
		}
		log.Printf("Failed to create migrate instance (attempt %d/5): %v", i+1, err)
		time.Sleep(time.Second * 5)
	}

	if err != nil {
		return fmt.Errorf("failed to create migrate instance after retries: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		log.Printf("Found dirty database state at version %d, attempting to force version", version)
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func main() {
	// Загружаем конфигурации
	appConfig, err := config.NewConfig(".app.env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Подключаемся к базе данных
	db, err := connectWithRetry(&appConfig.Database, 5, time.Second*5)
	if err != nil {
		log.Fatalf("Failed to connect to database after retries: %v", err)
	}
	defer db.Close()

	if err := runMigrations(appConfig); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Инициализация S3 клиента. Клиент создается один раз и передается
	// зависимым сервисам.
	s3Config, err := s3.NewConfig(".s3.env")
	if err != nil {
		log.Fatalf("Failed to load S3 config: %v", err)
	}

	s3Client, err := s3.NewClient(s3Config)
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}

	// Клиент сервиса тиров
	tierConfig, err := tier.NewConfig(".tier.env")
	if err != nil {
		log.Fatalf("Failed to load tier oracle config: %v", err)
	}
	tierClient := tier.NewClient(tierConfig)

	// Сервис токенов скачивания
	tokenService, err := token.NewService(appConfig.Token.Secret, time.Duration(appConfig.Token.TTLSeconds)*time.Second)
	if err != nil {
		log.Fatalf("Failed to create token service: %v", err)
	}

	// Инициализация репозиториев
	resourceRepo := repository.NewResourceRepository(db)
	quotaRepo := repository.NewDownloadQuotaRepository(db)
	eventRepo := repository.NewDownloadEventRepository(db)

	// Инициализация сервисов
	quotaService := service.NewQuotaService(quotaRepo)
	accessService := service.NewAccessService(resourceRepo, tierClient, quotaService, tokenService)
	deliveryService := service.NewDeliveryService(s3Client, quotaService, resourceRepo, eventRepo)
	resourceService := service.NewResourceService(resourceRepo, s3Client)

	// Инициализация хендлеров
	resourceHandler := handler.NewResourceHandler(accessService, deliveryService, resourceService, quotaService, tokenService, appConfig.Server.BaseURL)
	quotaHandler := handler.NewQuotaHandler(quotaService)

	// Настройка HTTP роутера
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", "Content-Length", "Accept-Ranges"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// HTTP маршруты
	r.Route("/resources", func(r chi.Router) {
		r.Post("/", resourceHandler.Upload)

		r.Route("/{uuid}", func(r chi.Router) {
			r.Get("/", resourceHandler.GetResource)
			r.Get("/presigned", resourceHandler.GetPresigned)
			r.Get("/download", resourceHandler.Download)
			r.Delete("/", resourceHandler.DeleteResource)
		})
	})

	r.Get("/quota", quotaHandler.GetQuotaInfo)

	// Создаем HTTP сервер
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler: r,
	}

	// Канал для сигналов завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Запускаем HTTP сервер
	go func() {
		log.Printf("Starting HTTP server on port %s", appConfig.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// Запускаем ретенцию аналитических событий
	retentionStop := make(chan struct{})
	retentionTicker := time.NewTicker(1 * time.Hour)
	go func() {
		for {
			select {
			case <-retentionTicker.C:
				ctx := context.Background()
				if err := deliveryService.PruneEvents(ctx, eventRetention); err != nil {
					log.Printf("Error during event retention cleanup: %v", err)
				}
			case <-retentionStop:
				retentionTicker.Stop()
				return
			}
		}
	}()

	// Ожидаем сигнал завершения
	<-quit
	close(retentionStop)
	log.Println("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server forced to shutdown: %v", err)
	}

	if err := db.Close(); err != nil {
		log.Printf("Error closing database connection: %v", err)
	}

	log.Println("Server exited properly")
}
