package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/notify"
	"identity-service/internal/repository"
	"identity-service/internal/throttle"
	"identity-service/internal/util"
)

// Enqueuer is satisfied by *notify.Dispatcher.
type Enqueuer interface {
	Enqueue(n notify.Notification) error
}

// EventRecorder is satisfied by *audit.Recorder.
type EventRecorder interface {
	Record(ev models.SecurityEvent)
}

type nopRecorder struct{}

func (nopRecorder) Record(models.SecurityEvent) {}

// Subject is the identity an operation is performed for. Email is the
// normalised address and doubles as the verification identity key.
type Subject struct {
	Email  string
	Name   string
	UserID string
}

// RequestMeta is request context copied into security events.
type RequestMeta struct {
	RequestID string
	IPAddress string
}

// Status is a snapshot of one identity's throttle state. Nil times mean
// "now" for CanResendAt and CanTryCodeAt, and "none" otherwise.
type Status struct {
	CanResend               bool       `json:"canResend"`
	RemainingResendAttempts int        `json:"remainingResendAttempts"`
	CanResendAt             *time.Time `json:"canResendAt"`
	RemainingCodeAttempts   int        `json:"remainingCodeAttempts"`
	CanTryCodeAt            *time.Time `json:"canTryCodeAt"`
	IsResendBlocked         bool       `json:"isResendBlocked"`
	ResendBlockedUntil      *time.Time `json:"resendBlockedUntil"`
	CodeExpiresAt           *time.Time `json:"codeExpiresAt"`
}

type VerificationService struct {
	store      repository.VerificationStore
	hasher     *hashing.Hasher
	dispatcher Enqueuer
	recorder   EventRecorder
	clock      util.Clock
	codeTTL    time.Duration
	logger     *zap.Logger
}

func NewVerificationService(
	store repository.VerificationStore,
	hasher *hashing.Hasher,
	dispatcher Enqueuer,
	recorder EventRecorder,
	clock util.Clock,
	codeTTL time.Duration,
	logger *zap.Logger,
) *VerificationService {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &VerificationService{
		store:      store,
		hasher:     hasher,
		dispatcher: dispatcher,
		recorder:   recorder,
		clock:      clock,
		codeTTL:    codeTTL,
		logger:     logger,
	}
}

// IssueOrResend issues a new code for subj unless the identity is blocked or
// still cooling down. The code is handed to the notifier asynchronously; a
// delivery failure never invalidates it.
func (s *VerificationService) IssueOrResend(ctx context.Context, kind models.VerificationKind, subj Subject, meta RequestMeta) (*Status, error) {
	now := s.clock.Now()

	// Refuse cheaply before paying for a hash.
	current, err := s.store.Get(ctx, kind, subj.Email)
	if err != nil {
		return nil, s.storeFailure("load verification record", kind, err)
	}
	if _, changed, err := s.admit(current.Clone(), kind, now); err != nil && !changed {
		s.recordRefusal(kind, subj, meta, err)
		return nil, decidedAt(err, now)
	}

	code, secret, err := s.hasher.NewCode()
	if err != nil {
		return nil, internalError("generate code", err)
	}
	expiresAt := now.Add(s.codeTTL)

	rec, err := s.store.Update(ctx, kind, subj.Email, func(rec *models.VerificationRecord) (bool, error) {
		next, changed, err := s.admit(rec, kind, now)
		*rec = *next
		if err != nil {
			return changed, err
		}

		rec.Secret = secret
		rec.ExpiresAt = models.TimePtr(expiresAt)
		rec.CodeAttempts = 0
		rec.ResendCount++
		rec.LastResendAt = models.TimePtr(now)
		if kind == models.KindPasswordReset && rec.ResetWindowStart == nil {
			rec.ResetWindowStart = models.TimePtr(now)
		}
		stampCeilingBlock(rec, kind, now)
		return true, nil
	})
	if err != nil {
		if isThrottle(err) {
			s.recordRefusal(kind, subj, meta, err)
			return nil, decidedAt(err, now)
		}
		return nil, s.storeFailure("issue code", kind, err)
	}

	s.record(models.EventCodeIssued, kind, subj, meta, "")
	s.dispatch(kind, subj, meta, code, expiresAt)

	s.logger.Debug("Verification code issued",
		zap.String("kind", string(kind)),
		zap.String("email", util.MaskEmail(subj.Email)),
		zap.Int("resend_count", rec.ResendCount))

	return buildStatus(rec, kind, now), nil
}

// GetStatus reports the throttle state for subj without changing it, with
// one exception: for password reset, an identity that has no code in the
// current episode and is not blocked is issued its first code here, so the
// status call doubles as the start of the flow.
func (s *VerificationService) GetStatus(ctx context.Context, kind models.VerificationKind, subj Subject, meta RequestMeta) (*Status, error) {
	now := s.clock.Now()
	stored, err := s.store.Get(ctx, kind, subj.Email)
	if err != nil {
		return nil, s.storeFailure("load verification record", kind, err)
	}
	rec, _ := throttle.Normalize(stored, kind, now)

	if kind == models.KindPasswordReset && throttle.IsBlocked(rec, kind, now) && !throttle.BlockActive(rec, now) {
		// ceiling reached by a record written before issuance stamped it
		rec, err = s.store.Update(ctx, kind, subj.Email, func(r *models.VerificationRecord) (bool, error) {
			next, changed := throttle.Normalize(r, kind, now)
			*r = *next
			return stampCeilingBlock(r, kind, now) || changed, nil
		})
		if err != nil {
			return nil, s.storeFailure("stamp reset block", kind, err)
		}
	}

	if kind == models.KindPasswordReset && awaitingFirstCode(rec, kind, now) {
		st, err := s.IssueOrResend(ctx, kind, subj, meta)
		if err == nil {
			return st, nil
		}
		if !isThrottle(err) {
			return nil, err
		}
		// lost a race with a concurrent issuance; report what is stored now
		if stored, err = s.store.Get(ctx, kind, subj.Email); err != nil {
			return nil, s.storeFailure("load verification record", kind, err)
		}
		rec, _ = throttle.Normalize(stored, kind, now)
	}

	return buildStatus(rec, kind, now), nil
}

// Confirm checks code against the active secret for subj. A blocked identity
// is refused outright, including one that only reached the resend ceiling.
// Wrong codes are counted; exhausting them on a password reset starts the
// block window.
func (s *VerificationService) Confirm(ctx context.Context, kind models.VerificationKind, subj Subject, code string, meta RequestMeta) error {
	now := s.clock.Now()
	l := throttle.LimitsFor(kind)

	var (
		checked string
		matched bool
	)
	matches := func(secret string) (bool, error) {
		if secret != checked {
			ok, err := s.hasher.VerifyCode(code, secret)
			if err != nil {
				return false, err
			}
			checked, matched = secret, ok
		}
		return matched, nil
	}

	_, err := s.store.Update(ctx, kind, subj.Email, func(rec *models.VerificationRecord) (bool, error) {
		next, changed := throttle.Normalize(rec, kind, now)
		*rec = *next
		if stampCeilingBlock(rec, kind, now) {
			changed = true
		}

		if throttle.IsBlocked(rec, kind, now) {
			return changed, &ThrottleError{Err: ErrBlocked, BlockedUntil: throttle.BlockedUntil(rec, kind, now)}
		}
		if !rec.HasActiveCode(now) {
			return changed, ErrExpiredCode
		}
		if throttle.CodeAttemptsExhausted(rec, kind) {
			return s.exhausted(rec, kind, now) || changed, s.exhaustedError(rec, kind)
		}
		if kind == models.KindPasswordReset {
			if at := throttle.CanTryCodeAt(rec, kind); now.Before(at) {
				return changed, &ThrottleError{Err: ErrCooldownActive, RetryAt: &at, RemainingAttempts: intPtr(throttle.RemainingCodeAttempts(rec, kind))}
			}
		}

		ok, err := matches(rec.Secret)
		if err != nil {
			return changed, err
		}
		if !ok {
			rec.CodeAttempts++
			rec.LastAttemptAt = models.TimePtr(now)
			if rec.CodeAttempts >= l.MaxCodeAttempts {
				s.exhausted(rec, kind, now)
				return true, s.exhaustedError(rec, kind)
			}
			return true, &ThrottleError{Err: ErrInvalidCode, RemainingAttempts: intPtr(throttle.RemainingCodeAttempts(rec, kind))}
		}

		rec.Secret = ""
		rec.ExpiresAt = nil
		rec.CodeAttempts = 0
		rec.ResendCount = 0
		rec.BlockedUntil = nil
		rec.ConfirmedAt = models.TimePtr(now)
		return true, nil
	})
	if err != nil {
		switch {
		case isThrottle(err), errors.Is(err, ErrExpiredCode):
			s.recordRefusal(kind, subj, meta, err)
			return decidedAt(err, now)
		default:
			return s.storeFailure("confirm code", kind, err)
		}
	}

	s.record(models.EventCodeConfirmed, kind, subj, meta, "")
	return nil
}

// PreviewIssued is the status a fresh identity would see right after its
// first code. It lets callers answer for unknown identities without
// persisting or sending anything.
func (s *VerificationService) PreviewIssued(kind models.VerificationKind) *Status {
	now := s.clock.Now()
	rec := &models.VerificationRecord{
		Secret:       "preview",
		ExpiresAt:    models.TimePtr(now.Add(s.codeTTL)),
		ResendCount:  1,
		LastResendAt: models.TimePtr(now),
	}
	if kind == models.KindPasswordReset {
		rec.ResetWindowStart = models.TimePtr(now)
	}
	return buildStatus(rec, kind, now)
}

// PreviewFresh is the status of an identity that has never been issued a code.
func (s *VerificationService) PreviewFresh(kind models.VerificationKind) *Status {
	return buildStatus(&models.VerificationRecord{}, kind, s.clock.Now())
}

// admit normalises rec and decides whether a code may be issued now. The
// returned record may carry a freshly stamped block that must be persisted
// even though issuance is refused.
func (s *VerificationService) admit(rec *models.VerificationRecord, kind models.VerificationKind, now time.Time) (*models.VerificationRecord, bool, error) {
	rec, changed := throttle.Normalize(rec, kind, now)
	if stampCeilingBlock(rec, kind, now) {
		changed = true
	}

	if throttle.IsBlocked(rec, kind, now) {
		return rec, changed, &ThrottleError{
			Err:               ErrBlocked,
			BlockedUntil:      throttle.BlockedUntil(rec, kind, now),
			RemainingAttempts: intPtr(0),
		}
	}

	if next := throttle.NextAllowedResendAt(rec, kind); now.Before(next) {
		return rec, changed, &ThrottleError{
			Err:               ErrCooldownActive,
			RetryAt:           &next,
			RemainingAttempts: intPtr(throttle.RemainingResendAttempts(rec, kind)),
		}
	}
	return rec, changed, nil
}

// stampCeilingBlock starts the password reset block once the resend ceiling
// is reached. Email verification derives its block from the last issuance
// and is never stamped.
func stampCeilingBlock(rec *models.VerificationRecord, kind models.VerificationKind, now time.Time) bool {
	if kind != models.KindPasswordReset || throttle.BlockActive(rec, now) || !throttle.IsBlocked(rec, kind, now) {
		return false
	}
	rec.BlockedUntil = models.TimePtr(now.Add(throttle.LimitsFor(kind).BlockDuration))
	return true
}

// exhausted stamps the password reset block once the code attempts run out.
func (s *VerificationService) exhausted(rec *models.VerificationRecord, kind models.VerificationKind, now time.Time) bool {
	if kind != models.KindPasswordReset || throttle.BlockActive(rec, now) {
		return false
	}
	rec.BlockedUntil = models.TimePtr(now.Add(throttle.LimitsFor(kind).BlockDuration))
	return true
}

func (s *VerificationService) exhaustedError(rec *models.VerificationRecord, kind models.VerificationKind) error {
	te := &ThrottleError{Err: ErrTooManyAttempts, RemainingAttempts: intPtr(0)}
	if rec.BlockedUntil != nil {
		te.BlockedUntil = models.TimePtr(*rec.BlockedUntil)
	}
	if next := throttle.NextAllowedResendAt(rec, kind); !next.IsZero() {
		te.RetryAt = &next
	}
	return te
}

func (s *VerificationService) dispatch(kind models.VerificationKind, subj Subject, meta RequestMeta, code string, expiresAt time.Time) {
	if s.dispatcher == nil {
		return
	}
	err := s.dispatcher.Enqueue(notify.Notification{
		Kind:      kind,
		Email:     subj.Email,
		Name:      subj.Name,
		Code:      code,
		ExpiresAt: expiresAt,
		RequestID: meta.RequestID,
	})
	if err != nil {
		s.logger.Warn("Failed to queue verification code delivery",
			zap.String("kind", string(kind)),
			zap.String("email", util.MaskEmail(subj.Email)),
			zap.Error(err))
		s.record(models.EventNotifyFailed, kind, subj, meta, err.Error())
	}
}

func (s *VerificationService) recordRefusal(kind models.VerificationKind, subj Subject, meta RequestMeta, err error) {
	event := models.EventInvalidCode
	switch {
	case errors.Is(err, ErrBlocked):
		event = models.EventBlocked
	case errors.Is(err, ErrCooldownActive):
		event = models.EventCooldownActive
	case errors.Is(err, ErrTooManyAttempts):
		event = models.EventTooManyAttempts
	case errors.Is(err, ErrExpiredCode):
		event = models.EventInvalidCode
	}
	s.logger.Debug("Verification request refused",
		zap.String("kind", string(kind)),
		zap.String("email", util.MaskEmail(subj.Email)),
		zap.String("reason", err.Error()))
	s.record(event, kind, subj, meta, err.Error())
}

func (s *VerificationService) record(eventType string, kind models.VerificationKind, subj Subject, meta RequestMeta, details string) {
	s.recorder.Record(models.SecurityEvent{
		EventType: eventType,
		Flow:      string(kind),
		Identity:  util.Fingerprint(subj.Email),
		UserID:    subj.UserID,
		IPAddress: meta.IPAddress,
		RequestID: meta.RequestID,
		Details:   details,
	})
}

func (s *VerificationService) storeFailure(op string, kind models.VerificationKind, err error) error {
	s.logger.Error("Verification store failure",
		zap.String("op", op),
		zap.String("kind", string(kind)),
		zap.Error(err))
	return internalError(op, err)
}

// awaitingFirstCode reports whether rec has not been issued a code in the
// current episode. A confirmation ends the flow until the episode lapses.
func awaitingFirstCode(rec *models.VerificationRecord, kind models.VerificationKind, now time.Time) bool {
	if rec.HasActiveCode(now) || rec.ResendCount != 0 || rec.ConfirmedAt != nil {
		return false
	}
	return !throttle.IsBlocked(rec, kind, now)
}

func buildStatus(rec *models.VerificationRecord, kind models.VerificationKind, now time.Time) *Status {
	st := &Status{
		RemainingResendAttempts: throttle.RemainingResendAttempts(rec, kind),
		RemainingCodeAttempts:   throttle.RemainingCodeAttempts(rec, kind),
		IsResendBlocked:         throttle.IsBlocked(rec, kind, now),
		ResendBlockedUntil:      throttle.BlockedUntil(rec, kind, now),
	}

	if st.IsResendBlocked {
		if st.ResendBlockedUntil != nil {
			st.CanResendAt = models.TimePtr(*st.ResendBlockedUntil)
		}
	} else if next := throttle.NextAllowedResendAt(rec, kind); now.Before(next) {
		st.CanResendAt = &next
	} else {
		st.CanResend = true
	}

	if at := throttle.CanTryCodeAt(rec, kind); now.Before(at) {
		st.CanTryCodeAt = &at
	}
	if rec.HasActiveCode(now) {
		st.CodeExpiresAt = models.TimePtr(*rec.ExpiresAt)
	}
	return st
}

// decidedAt records the service clock reading on a throttle refusal so
// callers can turn RetryAt into a relative delay.
func decidedAt(err error, now time.Time) error {
	var te *ThrottleError
	if errors.As(err, &te) && te.DecidedAt.IsZero() {
		te.DecidedAt = now
	}
	return err
}

func isThrottle(err error) bool {
	var te *ThrottleError
	return errors.As(err, &te)
}
