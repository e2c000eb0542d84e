package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"

	"tiervault/internal/domain"
)

func restrictedResource(tier int, sizeBytes int64) *domain.Resource {
	u := uuid.New()
	return &domain.Resource{
		UUID:         u,
		Name:         "dataset.bin",
		MIMEType:     "application/octet-stream",
		SizeBytes:    sizeBytes,
		RequiredTier: tier,
		S3Key:        fmt.Sprintf("resources/%s/dataset.bin", u),
		IsActive:     true,
	}
}

func doRequest(env *testEnv, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestPresignedRequiresIdentity(t *testing.T) {
	t.Parallel()

	res := restrictedResource(domain.TierUnrestricted, 1024)
	env := newTestEnv(res)

	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/presigned")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPresignedUnknownResource(t *testing.T) {
	t.Parallel()

	env := newTestEnv()

	rec := doRequest(env, http.MethodGet, "/resources/"+uuid.NewString()+"/presigned?identity=0xabc")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPresignedGrantedAndTokenDownloads(t *testing.T) {
	t.Parallel()

	res := restrictedResource(domain.TierUnrestricted, 11)
	env := newTestEnv(res)
	payload := []byte("hello world")
	if err := env.storage.Upload(context.Background(), res.S3Key, res.MIMEType, bytes.NewReader(payload)); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/presigned?identity=0xABC")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	tok, _ := body["token"].(string)
	if tok == "" {
		t.Fatal("empty token in presigned response")
	}
	if body["expiresIn"] != float64(900) {
		t.Errorf("expiresIn = %v, want 900", body["expiresIn"])
	}
	downloadURL, _ := body["downloadUrl"].(string)
	if !strings.Contains(downloadURL, "/resources/"+res.UUID.String()+"/download?token=") {
		t.Errorf("downloadUrl = %q", downloadURL)
	}

	// Скачиваем по выданному токену
	rec = doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/download?token="+url.QueryEscape(tok))
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.Bytes(); !bytes.Equal(got, payload) {
		t.Errorf("body = %q, want %q", got, payload)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cl := rec.Header().Get("Content-Length"); cl != "11" {
		t.Errorf("Content-Length = %q, want 11", cl)
	}
	if ar := rec.Header().Get("Accept-Ranges"); ar != "bytes" {
		t.Errorf("Accept-Ranges = %q, want bytes", ar)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment;") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestPresignedTierDenied(t *testing.T) {
	t.Parallel()

	res := restrictedResource(2, 1024)
	env := newTestEnv(res)
	env.oracle.tier = 1

	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/presigned?identity=0xabc")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["requiredTier"] != float64(2) || body["userTier"] != float64(1) {
		t.Errorf("body = %v, want requiredTier=2 userTier=1", body)
	}
}

func TestPresignedOracleFailure(t *testing.T) {
	t.Parallel()

	res := restrictedResource(1, 1024)
	env := newTestEnv(res)
	env.oracle.err = fmt.Errorf("oracle unavailable")

	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/presigned?identity=0xabc")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (fail closed)", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["error"] != "unable to verify access" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestPresignedDailyLimit(t *testing.T) {
	t.Parallel()

	res := restrictedResource(domain.TierUnrestricted, 1024)
	env := newTestEnv(res)
	ctx := context.Background()

	for i := 0; i < domain.DailyDownloadLimit; i++ {
		if err := env.quota.RecordDownload(ctx, "0xabc", 1024); err != nil {
			t.Fatalf("RecordDownload: %v", err)
		}
	}

	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/presigned?identity=0xabc")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["remaining"] != float64(0) {
		t.Errorf("remaining = %v, want 0", body["remaining"])
	}
	if body["limit"] != float64(domain.DailyDownloadLimit) {
		t.Errorf("limit = %v, want %d", body["limit"], domain.DailyDownloadLimit)
	}
	if body["resetTime"] == nil {
		t.Error("resetTime missing in 429 body")
	}
}

func TestPresignedWarningIncluded(t *testing.T) {
	t.Parallel()

	res := restrictedResource(domain.TierUnrestricted, 100*1024*1024)
	env := newTestEnv(res)

	if err := env.quota.RecordDownload(context.Background(), "0xabc", 850*1024*1024); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}

	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/presigned?identity=0xabc")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	warning, ok := body["warning"].(map[string]interface{})
	if !ok {
		t.Fatalf("warning missing in body: %v", body)
	}
	if warning["limit"] != float64(domain.MonthlyBytesLimit) {
		t.Errorf("warning.limit = %v", warning["limit"])
	}

	// Второй запрос того же периода - без предупреждения
	rec = doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/presigned?identity=0xabc")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body = decodeBody(t, rec)
	if _, ok := body["warning"]; ok {
		t.Error("warning repeated within the same period")
	}
}

func TestDownloadTokenForDifferentResource(t *testing.T) {
	t.Parallel()

	resA := restrictedResource(domain.TierUnrestricted, 10)
	resB := restrictedResource(domain.TierUnrestricted, 10)
	env := newTestEnv(resA, resB)

	tok := env.tokens.Issue(resA.UUID, "0xabc")
	rec := doRequest(env, http.MethodGet, "/resources/"+resB.UUID.String()+"/download?token="+url.QueryEscape(tok))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for cross-resource token", rec.Code)
	}
}

func TestDownloadInvalidToken(t *testing.T) {
	t.Parallel()

	res := restrictedResource(domain.TierUnrestricted, 10)
	env := newTestEnv(res)

	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/download?token=garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDownloadAnonymousRestricted(t *testing.T) {
	t.Parallel()

	res := restrictedResource(1, 10)
	env := newTestEnv(res)

	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/download")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDownloadAnonymousUnrestricted(t *testing.T) {
	t.Parallel()

	res := restrictedResource(domain.TierUnrestricted, 4)
	env := newTestEnv(res)
	if err := env.storage.Upload(context.Background(), res.S3Key, res.MIMEType, bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/download")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "data" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestDownloadDirectIdentityQuotaChecked(t *testing.T) {
	t.Parallel()

	res := restrictedResource(domain.TierUnrestricted, 10)
	env := newTestEnv(res)
	ctx := context.Background()

	for i := 0; i < domain.DailyDownloadLimit; i++ {
		if err := env.quota.RecordDownload(ctx, "0xabc", 1024); err != nil {
			t.Fatalf("RecordDownload: %v", err)
		}
	}

	// Прямой путь перепроверяет квоты при каждом запросе
	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/download?identity=0xabc")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("quota denial must be JSON before any bytes, Content-Type = %q", ct)
	}
}

func TestDownloadDirectIdentityChargesBeforeStream(t *testing.T) {
	t.Parallel()

	// Ресурс на 600MB: одно скачивание в месячную квоту помещается, два - нет
	res := restrictedResource(domain.TierUnrestricted, 600*1024*1024)
	env := newTestEnv(res)
	if err := env.storage.Upload(context.Background(), res.S3Key, res.MIMEType, bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/download?identity=0xabc")
	if rec.Code != http.StatusOK {
		t.Fatalf("first download status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// Квота списана до отдачи байт, второй запрос сразу получает отказ
	rec = doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/download?identity=0xabc")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second download status = %d, want 429", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "monthly quota exceeded" {
		t.Errorf("error = %v, want monthly quota exceeded", body["error"])
	}
}

func TestDownloadStorageFailureMidStream(t *testing.T) {
	t.Parallel()

	res := restrictedResource(domain.TierUnrestricted, 64*1024)
	env := newTestEnv(res)
	payload := bytes.Repeat([]byte("x"), 64*1024)
	if err := env.storage.Upload(context.Background(), res.S3Key, res.MIMEType, bytes.NewReader(payload)); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	env.storage.readFailAt = 40000

	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/download?identity=0xabc")

	// Заголовки уже отправлены - статус 200, тело обрывается короче
	// заявленной длины
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want committed 200", rec.Code)
	}
	if cl := rec.Header().Get("Content-Length"); cl != "65536" {
		t.Errorf("Content-Length = %q, want 65536", cl)
	}
	if got := rec.Body.Len(); got != 40000 {
		t.Errorf("body = %d bytes, want truncated 40000", got)
	}

	// Начисленное при старте потока не откатывается
	daily, err := env.quota.CheckDaily(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("CheckDaily: %v", err)
	}
	if daily.Remaining != domain.DailyDownloadLimit-1 {
		t.Errorf("daily remaining = %d, want %d: started download must stay charged", daily.Remaining, domain.DailyDownloadLimit-1)
	}
}

func TestDownloadObjectMissing(t *testing.T) {
	t.Parallel()

	res := restrictedResource(domain.TierUnrestricted, 10)
	env := newTestEnv(res)

	// Метаданные есть, объекта в хранилище нет - структурированная 404 до
	// отправки заголовков
	rec := doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/download?identity=0xabc")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["error"] == nil {
		t.Error("missing error field in 404 body")
	}
}

func TestDeleteResourceMakesDownloads404(t *testing.T) {
	t.Parallel()

	res := restrictedResource(domain.TierUnrestricted, 4)
	env := newTestEnv(res)
	if err := env.storage.Upload(context.Background(), res.S3Key, res.MIMEType, bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rec := doRequest(env, http.MethodDelete, "/resources/"+res.UUID.String())
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}

	rec = doRequest(env, http.MethodGet, "/resources/"+res.UUID.String()+"/download")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("download after delete status = %d, want 404", rec.Code)
	}
}

func TestQuotaInfoEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	if err := env.quota.RecordDownload(context.Background(), "0xabc", 256*1024*1024); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}

	rec := doRequest(env, http.MethodGet, "/quota?identity=0xABC")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["daily_used"] != float64(1) {
		t.Errorf("daily_used = %v, want 1", body["daily_used"])
	}
	if body["monthly_used"] != float64(256*1024*1024) {
		t.Errorf("monthly_used = %v", body["monthly_used"])
	}
	if body["usage_percent"].(float64) < 24.9 || body["usage_percent"].(float64) > 25.1 {
		t.Errorf("usage_percent = %v, want ~25", body["usage_percent"])
	}

	rec = doRequest(env, http.MethodGet, "/quota")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status without identity = %d, want 400", rec.Code)
	}
}
