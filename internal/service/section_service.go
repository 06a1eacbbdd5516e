package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/uni-registrar-api/internal/models"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

type sectionRepository interface {
	FindByID(ctx context.Context, id string) (*models.Section, error)
	FindDetailByID(ctx context.Context, id string) (*models.SectionDetail, error)
	List(ctx context.Context, filter models.SectionFilter) ([]models.Section, int, error)
	Create(ctx context.Context, section *models.Section) error
	UpdateCapacity(ctx context.Context, id string, capacity int) error
	Roster(ctx context.Context, sectionID string) ([]models.EnrollmentDetail, error)
}

type sectionTermReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
}

// CreateSectionRequest describes a new section payload.
type CreateSectionRequest struct {
	CourseCode string `json:"course_code" validate:"required"`
	Title      string `json:"title" validate:"required"`
	TermID     string `json:"term_id" validate:"required"`
	Capacity   int    `json:"capacity" validate:"required,gt=0"`
}

// UpdateCapacityRequest changes a section's declared capacity.
type UpdateCapacityRequest struct {
	Capacity int `json:"capacity" validate:"required,gt=0"`
}

// SectionService manages course sections. Raising capacity immediately
// drains the waitlist into the new seats.
type SectionService struct {
	repo      sectionRepository
	terms     sectionTermReader
	promoter  sectionPromoter
	cache     *redis.Client
	cacheTTL  time.Duration
	validator *validator.Validate
	logger    *zap.Logger
}

// NewSectionService constructs SectionService. cache may be nil, in which
// case roster reads always hit the database.
func NewSectionService(repo sectionRepository, terms sectionTermReader, promoter sectionPromoter, cache *redis.Client, cacheTTL time.Duration, validate *validator.Validate, logger *zap.Logger) *SectionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &SectionService{repo: repo, terms: terms, promoter: promoter, cache: cache, cacheTTL: cacheTTL, validator: validate, logger: logger}
}

// Get returns a section with live seat accounting.
func (s *SectionService) Get(ctx context.Context, id string) (*models.SectionDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}
	return detail, nil
}

// List returns sections with pagination metadata.
func (s *SectionService) List(ctx context.Context, filter models.SectionFilter) ([]models.Section, *models.Pagination, error) {
	sections, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sections")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return sections, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Create registers a new section offering.
func (s *SectionService) Create(ctx context.Context, req CreateSectionRequest) (*models.Section, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid section payload")
	}
	if _, err := s.terms.FindByID(ctx, req.TermID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	section := &models.Section{
		CourseCode: req.CourseCode,
		Title:      req.Title,
		TermID:     req.TermID,
		Capacity:   req.Capacity,
	}
	if err := s.repo.Create(ctx, section); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create section")
	}
	return section, nil
}

// UpdateCapacity changes the declared capacity. A decrease never
// invalidates existing enrollments; an increase triggers waitlist
// promotion into the new seats.
func (s *SectionService) UpdateCapacity(ctx context.Context, id string, req UpdateCapacityRequest) (*models.SectionDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid capacity payload")
	}
	section, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}
	if err := s.repo.UpdateCapacity(ctx, id, req.Capacity); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update capacity")
	}
	s.invalidateRoster(ctx, id)

	if req.Capacity > section.Capacity && s.promoter != nil {
		if promoted, err := s.promoter.PromoteAll(ctx, id); err != nil {
			s.logger.Warn("post-capacity-increase promotion failed", zap.String("section_id", id), zap.Error(err))
		} else if promoted > 0 {
			s.logger.Sugar().Infow("capacity increase promoted waitlist", "section_id", id, "count", promoted)
		}
	}
	return s.Get(ctx, id)
}

// Roster returns the enrolled and waitlisted students of a section,
// cached briefly in Redis to absorb registration-day read bursts.
func (s *SectionService) Roster(ctx context.Context, sectionID string) ([]models.EnrollmentDetail, error) {
	key := rosterCacheKey(sectionID)
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, key).Bytes(); err == nil {
			var cached []models.EnrollmentDetail
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	roster, err := s.repo.Roster(ctx, sectionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}

	if s.cache != nil {
		if raw, err := json.Marshal(roster); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.cacheTTL).Err(); err != nil {
				s.logger.Debug("roster cache write failed", zap.Error(err))
			}
		}
	}
	return roster, nil
}

func (s *SectionService) invalidateRoster(ctx context.Context, sectionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, rosterCacheKey(sectionID)).Err(); err != nil {
		s.logger.Debug("roster cache invalidation failed", zap.Error(err))
	}
}

func rosterCacheKey(sectionID string) string {
	return fmt.Sprintf("registrar:roster:%s", sectionID)
}
