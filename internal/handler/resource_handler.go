package handler

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tiervault/internal/domain"
	"tiervault/internal/repository"
	"tiervault/internal/service"
	"tiervault/internal/token"
)

type ResourceHandler struct {
	accessService   *service.AccessService
	deliveryService *service.DeliveryService
	resourceService *service.ResourceService
	quotaService    *service.QuotaService
	tokenService    *token.Service
	baseURL         string
}

func NewResourceHandler(
	accessService *service.AccessService,
	deliveryService *service.DeliveryService,
	resourceService *service.ResourceService,
	quotaService *service.QuotaService,
	tokenService *token.Service,
	baseURL string,
) *ResourceHandler {
	return &ResourceHandler{
		accessService:   accessService,
		deliveryService: deliveryService,
		resourceService: resourceService,
		quotaService:    quotaService,
		tokenService:    tokenService,
		baseURL:         strings.TrimRight(baseURL, "/"),
	}
}

type presignedResponse struct {
	Token       string               `json:"token"`
	ExpiresIn   int                  `json:"expiresIn"`
	DownloadURL string               `json:"downloadUrl"`
	Warning     *domain.QuotaWarning `json:"warning,omitempty"`
}

// GetPresigned авторизует скачивание и выдает короткоживущий токен
func (h *ResourceHandler) GetPresigned(w http.ResponseWriter, r *http.Request) {
	resourceUUID, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource uuid")
		return
	}

	identity := r.URL.Query().Get("identity")
	if identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}

	decision, err := h.accessService.AuthorizeDownload(r.Context(), resourceUUID, identity)
	if err != nil {
		if errors.Is(err, repository.ErrResourceNotFound) {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
		log.Printf("[Presigned] Ошибка авторизации скачивания: %v", err)
		writeError(w, http.StatusInternalServerError, "authorization failed")
		return
	}

	switch decision.Status {
	case domain.AccessGranted:
		writeJSON(w, http.StatusOK, presignedResponse{
			Token:       decision.Token,
			ExpiresIn:   decision.ExpiresIn,
			DownloadURL: fmt.Sprintf("%s/resources/%s/download?token=%s", h.baseURL, resourceUUID, url.QueryEscape(decision.Token)),
			Warning:     decision.Warning,
		})

	case domain.AccessDeniedTier:
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":        "insufficient tier",
			"requiredTier": decision.RequiredTier,
			"userTier":     decision.UserTier,
		})

	case domain.AccessDeniedUnverifiable:
		writeError(w, http.StatusForbidden, "unable to verify access")

	case domain.AccessDeniedDaily:
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":     "daily download limit reached",
			"limit":     domain.DailyDownloadLimit,
			"remaining": 0,
			"resetTime": decision.ResetTime.Format(time.RFC3339),
		})

	case domain.AccessDeniedMonthly:
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":     "monthly quota exceeded",
			"used":      decision.MonthlyUsed,
			"limit":     decision.MonthlyLimit,
			"remaining": decision.MonthlyRemaining,
			"resetTime": decision.ResetTime.Format(time.RFC3339),
		})

	default:
		writeError(w, http.StatusInternalServerError, "unknown access decision")
	}
}

// Download отдает байты ресурса. Запрос предъявляет либо токен (проверки не
// повторяются внутри TTL), либо идентификатор напрямую - тогда оба лимита
// проверяются и начисляются атомарно до отдачи байт, а тир нет: прямой путь
// предназначен для неограниченных ресурсов. Все отказы разрешаются до
// отправки первого байта.
func (h *ResourceHandler) Download(w http.ResponseWriter, r *http.Request) {
	resourceUUID, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource uuid")
		return
	}

	resource, err := h.resourceService.GetInfo(r.Context(), resourceUUID)
	if err != nil {
		if errors.Is(err, repository.ErrResourceNotFound) {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
		log.Printf("[Download] Ошибка получения ресурса: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get resource")
		return
	}

	identity, quotaCharged, ok := h.resolveIdentity(w, r, resource)
	if !ok {
		return
	}

	obj, err := h.deliveryService.OpenStream(r.Context(), resource)
	if err != nil {
		if errors.Is(err, service.ErrObjectMissing) {
			writeError(w, http.StatusNotFound, "resource content not found")
			return
		}
		log.Printf("[Download] Ошибка открытия потока: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to open resource stream")
		return
	}
	defer obj.Close()

	contentType := resource.MIMEType
	if contentType == "" {
		contentType = obj.ContentType()
	}
	contentLength := obj.ContentLength()
	if contentLength <= 0 {
		contentLength = resource.SizeBytes
	}

	// Подготавливаем имя файла для Content-Disposition
	encodedFileName := url.QueryEscape(resource.Name)
	asciiName := strings.ReplaceAll(resource.Name, `"`, `\"`)
	contentDisposition := fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, asciiName, encodedFileName)

	// Заголовки уходят до первого байта из хранилища
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(contentLength, 10))
	w.Header().Set("Content-Disposition", contentDisposition)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// Побочные эффекты не блокируют поток байт
	if identity != "" {
		go h.deliveryService.RecordDelivery(resource, identity, quotaCharged)
	}

	h.streamBody(w, obj, resource)
}

// resolveIdentity определяет идентификатор запроса и выполняет проверки,
// положенные выбранному пути авторизации. Прямой путь резервирует квоту
// атомарно, quotaCharged=true сообщает отдаче байт, что повторное
// начисление не нужно. При отказе пишет ответ и возвращает ok=false.
func (h *ResourceHandler) resolveIdentity(w http.ResponseWriter, r *http.Request, resource *domain.Resource) (identity string, quotaCharged bool, ok bool) {
	tokenStr := r.URL.Query().Get("token")
	identity = r.URL.Query().Get("identity")

	switch {
	case tokenStr != "":
		claims, err := h.tokenService.Verify(tokenStr)
		if err != nil {
			if errors.Is(err, token.ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "token expired")
			} else {
				writeError(w, http.StatusUnauthorized, "invalid token")
			}
			return "", false, false
		}
		if claims.ResourceUUID != resource.UUID {
			writeError(w, http.StatusForbidden, "token issued for different resource")
			return "", false, false
		}
		return claims.Identity, false, true

	case identity != "":
		daily, monthly, err := h.quotaService.ConsumeForDownload(r.Context(), identity, resource.SizeBytes)
		if err != nil {
			log.Printf("[Download] Ошибка проверки квот: %v", err)
			writeError(w, http.StatusInternalServerError, "quota check failed")
			return "", false, false
		}
		if !daily.Allowed {
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":     "daily download limit reached",
				"limit":     domain.DailyDownloadLimit,
				"remaining": 0,
			})
			return "", false, false
		}
		if !monthly.Allowed {
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":     "monthly quota exceeded",
				"used":      monthly.UsedBytes,
				"limit":     monthly.LimitBytes,
				"remaining": monthly.RemainingBytes,
			})
			return "", false, false
		}
		return identity, true, true

	default:
		// Анонимный доступ разрешен только к неограниченным ресурсам,
		// квоты при этом не начисляются - нет ключа записи
		if resource.IsRestricted() {
			writeError(w, http.StatusUnauthorized, "token or identity is required")
			return "", false, false
		}
		return "", false, true
	}
}

// streamBody копирует объект клиенту 32KB буфером. Ошибка чтения хранилища
// после отправленных заголовков обрывает соединение - тело ошибки уже
// невозможно.
func (h *ResourceHandler) streamBody(w http.ResponseWriter, obj io.Reader, resource *domain.Resource) {
	startTime := time.Now()
	buf := make([]byte, 32*1024)

	var written int64
	for {
		n, err := obj.Read(buf)
		if n > 0 {
			nw, ew := w.Write(buf[:n])
			if nw > 0 {
				written += int64(nw)
			}
			if ew != nil {
				log.Printf("[Download] Клиент прервал скачивание %s: %v", resource.UUID, ew)
				return
			}
			if nw != n {
				log.Printf("[Download] Короткая запись: %d < %d", nw, n)
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("[Download] Ошибка чтения из хранилища на %d байтах: %v", written, err)
			return
		}
	}

	duration := time.Since(startTime)
	log.Printf("[Download] Завершено %s: %d байт за %v", resource.UUID, written, duration)
}

// Upload принимает multipart-форму с файлом и регистрирует новый ресурс
func (h *ResourceHandler) Upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}

	requiredTier := domain.TierUnrestricted
	if v := r.FormValue("required_tier"); v != "" {
		requiredTier, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid required_tier")
			return
		}
	}

	resource, err := h.resourceService.Upload(r.Context(), name, header.Header.Get("Content-Type"), header.Size, requiredTier, file)
	if err != nil {
		log.Printf("[Upload] Ошибка загрузки ресурса: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to upload resource")
		return
	}

	writeJSON(w, http.StatusCreated, resource)
}

// GetResource возвращает метаданные ресурса без отдачи байт
func (h *ResourceHandler) GetResource(w http.ResponseWriter, r *http.Request) {
	resourceUUID, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource uuid")
		return
	}

	resource, err := h.resourceService.GetInfo(r.Context(), resourceUUID)
	if err != nil {
		if errors.Is(err, repository.ErrResourceNotFound) {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get resource")
		return
	}

	writeJSON(w, http.StatusOK, resource)
}

// DeleteResource деактивирует ресурс и удаляет его содержимое из хранилища
func (h *ResourceHandler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	resourceUUID, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource uuid")
		return
	}

	if err := h.resourceService.Deactivate(r.Context(), resourceUUID); err != nil {
		if errors.Is(err, repository.ErrResourceNotFound) {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
		log.Printf("[Delete] Ошибка деактивации ресурса: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete resource")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
