package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/capvault/internal/audit"
	"github.com/and161185/capvault/internal/errs"
	"github.com/and161185/capvault/internal/limiter"
	"github.com/and161185/capvault/internal/model"
	"github.com/and161185/capvault/internal/repository"
)

// FileService exposes the upload and download flows.
type FileService interface {
	// CheckUpload answers "already owned" or hands out an upload-intent token.
	CheckUpload(ctx context.Context, subject uuid.UUID, c UploadCandidate, rc model.RequestContext) (UploadCheck, error)
	// CommitUpload consumes an upload-intent token and stores the body.
	CommitUpload(ctx context.Context, tokenValue string, meta UploadMeta, body io.Reader, rc model.RequestContext) (model.Ownership, error)
	// GrantDownload issues a download grant for one of the subject's records.
	GrantDownload(ctx context.Context, subject, ownershipID uuid.UUID, useLimit int, ttl time.Duration, rc model.RequestContext) (DownloadGrant, error)
	// RedeemDownload consumes a grant and opens the body.
	RedeemDownload(ctx context.Context, tokenValue string, rc model.RequestContext) (Download, error)
}

// UploadCandidate is the content identity a client intends to upload.
type UploadCandidate struct {
	MD5         string
	SHA256      string
	Size        int64
	DisplayName string
	MediaType   string
}

// UploadMeta names the uploaded copy.
type UploadMeta struct {
	DisplayName string
	MediaType   string
}

// UploadCheck holds exactly one of Existing or Token.
type UploadCheck struct {
	Existing *model.Ownership
	Token    *model.Token
}

// DownloadGrant is an issued grant and its redemption address.
type DownloadGrant struct {
	Token model.Token
	URL   string
}

// Download is an opened body. The caller closes Body.
type Download struct {
	Body        io.ReadCloser
	DisplayName string
	MediaType   string
	Size        int64
}

// FileConfig holds flow parameters.
type FileConfig struct {
	IntentTTL     time.Duration
	GrantTTL      time.Duration
	MaxGrantTTL   time.Duration
	PublicBaseURL string
}

var (
	md5Hex    = regexp.MustCompile(`^[0-9a-f]{32}$`)
	sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

type FileServiceImpl struct {
	tokens TokenService
	files  repository.FileRepository
	owners repository.OwnershipRepository
	mat    *Materializer
	audit  audit.Sink
	guard  redeemGuard
	cfg    FileConfig
	log    *zap.Logger
}

// NewFileService wires the flows. A nil limiter disables redemption throttling.
func NewFileService(
	tokens TokenService,
	files repository.FileRepository,
	owners repository.OwnershipRepository,
	mat *Materializer,
	sink audit.Sink,
	lim limiter.Limiter,
	cfg FileConfig,
	log *zap.Logger,
) *FileServiceImpl {
	if lim == nil {
		lim = limiter.Nop{}
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = 6 * time.Hour
	}
	if cfg.GrantTTL <= 0 {
		cfg.GrantTTL = 6 * time.Hour
	}
	log = log.Named("files")
	return &FileServiceImpl{
		tokens: tokens,
		files:  files,
		owners: owners,
		mat:    mat,
		audit:  sink,
		guard:  redeemGuard{lim: lim, log: log},
		cfg:    cfg,
		log:    log,
	}
}

// CheckUpload resolves the candidate identity. Content already stored yields
// the subject's record for it (created on the spot when the subject has none);
// unknown content yields a single-use upload-intent token bound to the identity.
func (s *FileServiceImpl) CheckUpload(
	ctx context.Context, subject uuid.UUID, c UploadCandidate, rc model.RequestContext,
) (UploadCheck, error) {
	if subject == uuid.Nil {
		return UploadCheck{}, errs.ErrUnauthorized
	}
	c.MD5 = strings.ToLower(c.MD5)
	c.SHA256 = strings.ToLower(c.SHA256)
	if !md5Hex.MatchString(c.MD5) || !sha256Hex.MatchString(c.SHA256) || c.Size < 0 {
		return UploadCheck{}, fmt.Errorf("%w: malformed content identity", errs.ErrInvalidArgument)
	}

	f, err := s.files.LookupOrRegister(ctx, c.MD5, c.SHA256, c.Size)
	if err != nil {
		return UploadCheck{}, fmt.Errorf("register identity: %w", err)
	}

	if f.Materialized {
		o, err := s.owners.FindByOwnerAndFile(ctx, subject, f.ID)
		switch {
		case err == nil:
			return UploadCheck{Existing: &o}, nil
		case !errors.Is(err, errs.ErrNotFound):
			return UploadCheck{}, fmt.Errorf("find ownership: %w", err)
		}
		o, err = s.owners.Create(ctx, model.Ownership{
			OwnerID:     subject,
			FileID:      f.ID,
			DisplayName: c.DisplayName,
			MediaType:   c.MediaType,
		})
		if err != nil {
			return UploadCheck{}, fmt.Errorf("create ownership: %w", err)
		}
		s.audit.Record(ctx, audit.Entry{
			Category:       audit.CategoryFile,
			TargetID:       o.ID,
			Description:    "file registered from existing content",
			RequestContext: rc,
			ActorID:        subject,
		})
		return UploadCheck{Existing: &o}, nil
	}

	target := f.ID
	t, err := s.tokens.Issue(ctx, IssueParams{
		Purpose:   model.PurposeUploadIntent,
		SubjectID: subject,
		TargetID:  &target,
		UseLimit:  1,
		TTL:       s.cfg.IntentTTL,
		Context:   rc,
	})
	if err != nil {
		return UploadCheck{}, err
	}
	return UploadCheck{Token: &t}, nil
}

// CommitUpload consumes the intent token, writes the body unless it already
// exists and creates a fresh ownership record for the token's subject.
// The token is spent even when the body is rejected.
func (s *FileServiceImpl) CommitUpload(
	ctx context.Context, tokenValue string, meta UploadMeta, body io.Reader, rc model.RequestContext,
) (model.Ownership, error) {
	t, err := s.tokens.Consume(ctx, tokenValue, model.PurposeUploadIntent)
	if err != nil {
		return model.Ownership{}, err
	}
	if t.TargetID == nil {
		return model.Ownership{}, fmt.Errorf("%w: upload token without target", errs.ErrNotFound)
	}

	f, err := s.files.Get(ctx, *t.TargetID)
	if err != nil {
		return model.Ownership{}, fmt.Errorf("load identity: %w", err)
	}
	if _, err := s.mat.Write(ctx, f, body); err != nil {
		return model.Ownership{}, err
	}

	o, err := s.owners.Create(ctx, model.Ownership{
		OwnerID:     t.SubjectID,
		FileID:      f.ID,
		DisplayName: meta.DisplayName,
		MediaType:   meta.MediaType,
	})
	if err != nil {
		return model.Ownership{}, fmt.Errorf("create ownership: %w", err)
	}

	s.audit.Record(ctx, audit.Entry{
		Category:       audit.CategoryFile,
		TargetID:       o.ID,
		Description:    "file uploaded",
		RequestContext: rc,
		ActorID:        t.SubjectID,
	})
	return o, nil
}

// GrantDownload issues a DOWNLOAD_GRANT bound to an ownership record held by
// subject. useLimit 1 makes a single-use link; ttl 0 means the default window.
func (s *FileServiceImpl) GrantDownload(
	ctx context.Context, subject, ownershipID uuid.UUID, useLimit int, ttl time.Duration, rc model.RequestContext,
) (DownloadGrant, error) {
	if subject == uuid.Nil {
		return DownloadGrant{}, errs.ErrUnauthorized
	}
	if useLimit < 1 {
		return DownloadGrant{}, fmt.Errorf("%w: use_limit must be positive", errs.ErrInvalidArgument)
	}
	if ttl == 0 {
		ttl = s.cfg.GrantTTL
	}
	if ttl < 0 || (s.cfg.MaxGrantTTL > 0 && ttl > s.cfg.MaxGrantTTL) {
		return DownloadGrant{}, fmt.Errorf("%w: ttl out of range", errs.ErrInvalidArgument)
	}

	o, err := s.owners.Resolve(ctx, ownershipID)
	if err != nil {
		return DownloadGrant{}, err
	}
	if o.OwnerID != subject {
		return DownloadGrant{}, errs.ErrNotFound
	}

	target := o.ID
	t, err := s.tokens.Issue(ctx, IssueParams{
		Purpose:   model.PurposeDownloadGrant,
		SubjectID: subject,
		TargetID:  &target,
		UseLimit:  useLimit,
		TTL:       ttl,
		Context:   rc,
	})
	if err != nil {
		return DownloadGrant{}, err
	}

	s.audit.Record(ctx, audit.Entry{
		Category:       audit.CategoryFile,
		TargetID:       o.ID,
		Description:    "download link issued",
		RequestContext: rc,
		ActorID:        subject,
	})
	return DownloadGrant{Token: t, URL: s.RedemptionURL(t.Value)}, nil
}

// RedemptionURL returns the public address at which a grant is redeemed.
func (s *FileServiceImpl) RedemptionURL(tokenValue string) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/files/download/" + tokenValue
}

// RedeemDownload consumes one use of a grant and opens the body.
func (s *FileServiceImpl) RedeemDownload(ctx context.Context, tokenValue string, rc model.RequestContext) (Download, error) {
	if err := s.guard.allow(ctx, ScopeDownload, rc.RemoteAddr); err != nil {
		return Download{}, err
	}
	d, err := s.redeem(ctx, tokenValue, rc)
	s.guard.done(ctx, ScopeDownload, rc.RemoteAddr, err)
	return d, err
}

func (s *FileServiceImpl) redeem(ctx context.Context, tokenValue string, rc model.RequestContext) (Download, error) {
	t, err := s.tokens.Consume(ctx, tokenValue, model.PurposeDownloadGrant)
	if err != nil {
		return Download{}, err
	}
	if t.TargetID == nil {
		return Download{}, fmt.Errorf("%w: grant without target", errs.ErrNotFound)
	}

	o, err := s.owners.Resolve(ctx, *t.TargetID)
	if err != nil {
		return Download{}, fmt.Errorf("resolve ownership: %w", err)
	}
	f, err := s.files.Get(ctx, o.FileID)
	if err != nil {
		return Download{}, fmt.Errorf("load identity: %w", err)
	}
	body, err := s.mat.Read(ctx, f)
	if err != nil {
		return Download{}, err
	}

	s.audit.Record(ctx, audit.Entry{
		Category:       audit.CategoryFile,
		TargetID:       o.ID,
		Description:    "file downloaded",
		RequestContext: rc,
		ActorID:        t.SubjectID,
	})
	return Download{Body: body, DisplayName: o.DisplayName, MediaType: o.MediaType, Size: f.Size}, nil
}
