package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tiervault/internal/domain"
	"tiervault/internal/repository"
	"tiervault/internal/service"
	"tiervault/internal/service/s3"
	"tiervault/internal/token"
)

// Фейки зависимостей сервисного слоя для httptest-тестов хендлеров.

type fakeResourceStore struct {
	mu        sync.Mutex
	resources map[uuid.UUID]*domain.Resource
}

func newFakeResourceStore(resources ...*domain.Resource) *fakeResourceStore {
	s := &fakeResourceStore{resources: make(map[uuid.UUID]*domain.Resource)}
	for _, r := range resources {
		s.resources[r.UUID] = r
	}
	return s
}

func (s *fakeResourceStore) Create(ctx context.Context, res *domain.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res.IsActive = true
	s.resources[res.UUID] = res
	return nil
}

func (s *fakeResourceStore) GetByUUID(ctx context.Context, resourceUUID uuid.UUID) (*domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[resourceUUID]
	if !ok || !res.IsActive {
		return nil, repository.ErrResourceNotFound
	}
	copied := *res
	return &copied, nil
}

func (s *fakeResourceStore) IncrementDownloadCount(ctx context.Context, resourceUUID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[resourceUUID]
	if !ok {
		return repository.ErrResourceNotFound
	}
	res.DownloadCount++
	return nil
}

func (s *fakeResourceStore) Deactivate(ctx context.Context, resourceUUID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[resourceUUID]
	if !ok || !res.IsActive {
		return repository.ErrResourceNotFound
	}
	res.IsActive = false
	return nil
}

type fakeOracle struct {
	tier int
	err  error
}

func (o *fakeOracle) GetUserTier(ctx context.Context, identity string) (int, error) {
	return o.tier, o.err
}

type memQuotaRepo struct {
	mu      sync.Mutex
	records map[string]domain.DownloadQuota
}

func newMemQuotaRepo() *memQuotaRepo {
	return &memQuotaRepo{records: make(map[string]domain.DownloadQuota)}
}

func (r *memQuotaRepo) GetOrCreate(ctx context.Context, ownerID string) (*domain.DownloadQuota, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[ownerID]
	if !ok {
		now := time.Now()
		rec = domain.DownloadQuota{
			OwnerID:          ownerID,
			LastDownloadDate: now,
			LastResetMonth:   int(now.Month()),
			LastResetYear:    now.Year(),
		}
		r.records[ownerID] = rec
	}
	copied := rec
	return &copied, nil
}

func (r *memQuotaRepo) Save(ctx context.Context, quota *domain.DownloadQuota) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[quota.OwnerID] = *quota
	return nil
}

type fakeObject struct {
	io.Reader
	contentLength int64
	contentType   string
}

func (o *fakeObject) Close() error         { return nil }
func (o *fakeObject) ContentLength() int64 { return o.contentLength }
func (o *fakeObject) ContentType() string  { return o.contentType }

// brokenReader отдает failAt байт и затем возвращает ошибку чтения
type brokenReader struct {
	data   []byte
	failAt int
	pos    int
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.pos >= r.failAt {
		return 0, errors.New("storage read failed")
	}
	n := copy(p, r.data[r.pos:r.failAt])
	r.pos += n
	return n, nil
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte

	// readFailAt > 0 обрывает чтение любого объекта после readFailAt байт
	readFailAt int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (s *fakeStorage) Upload(ctx context.Context, key string, contentType string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *fakeStorage) GetObject(ctx context.Context, key string) (s3.S3Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", s3.ErrObjectNotFound, key)
	}
	reader := io.Reader(bytes.NewReader(data))
	if s.readFailAt > 0 {
		reader = &brokenReader{data: data, failAt: s.readFailAt}
	}
	return &fakeObject{
		Reader:        reader,
		contentLength: int64(len(data)),
		contentType:   "application/octet-stream",
	}, nil
}

func (s *fakeStorage) DeleteObject(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStorage) CreateMultipartUpload(ctx context.Context, key string, contentType string) (string, error) {
	return "upload-1", nil
}

func (s *fakeStorage) UploadPart(ctx context.Context, uploadID string, key string, partNumber int, data []byte) (string, error) {
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (s *fakeStorage) CompleteMultipartUpload(ctx context.Context, uploadID string, key string, parts []s3.CompletedPart) error {
	return nil
}

func (s *fakeStorage) AbortMultipartUpload(ctx context.Context, uploadID string, key string) error {
	return nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []*domain.DownloadEvent
}

func (s *fakeEventStore) Insert(ctx context.Context, event *domain.DownloadEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeEventStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// testEnv собирает реальный сервисный слой поверх фейков и роутер с боевыми
// маршрутами
type testEnv struct {
	router    chi.Router
	resources *fakeResourceStore
	storage   *fakeStorage
	quota     *service.QuotaService
	tokens    *token.Service
	oracle    *fakeOracle
}

func newTestEnv(resources ...*domain.Resource) *testEnv {
	store := newFakeResourceStore(resources...)
	storage := newFakeStorage()
	oracle := &fakeOracle{tier: 0}
	quotaService := service.NewQuotaService(newMemQuotaRepo())
	tokenService, err := token.NewService("test-secret", token.DefaultTTL)
	if err != nil {
		panic(err)
	}

	accessService := service.NewAccessService(store, oracle, quotaService, tokenService)
	deliveryService := service.NewDeliveryService(storage, quotaService, store, &fakeEventStore{})
	resourceService := service.NewResourceService(store, storage)

	resourceHandler := NewResourceHandler(accessService, deliveryService, resourceService, quotaService, tokenService, "http://localhost:2525")
	quotaHandler := NewQuotaHandler(quotaService)

	r := chi.NewRouter()
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

	return &testEnv{
		router:    r,
		resources: store,
		storage:   storage,
		quota:     quotaService,
		tokens:    tokenService,
		oracle:    oracle,
	}
}
