// internal/membership/verification.go
package membership

import (
	"context"
	"errors"
	"strings"
)

// Verify answers whether a member number or offline token is currently valid.
// It is the only operation open to unauthenticated callers. An unknown member
// number and a lapsed one produce the same answer.
func (s *service) Verify(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	memberNo := strings.TrimSpace(in.MemberNo)
	token := strings.TrimSpace(in.Token)
	switch {
	case memberNo != "" && token != "":
		return nil, newError(CodeMalformedInput, "supply memberNo or token, not both")
	case memberNo == "" && token == "":
		return nil, newError(CodeMalformedInput, "memberNo or token is required")
	case token != "":
		return s.verifyToken(ctx, token)
	default:
		return s.verifyMemberNo(ctx, memberNo)
	}
}

func (s *service) verifyMemberNo(ctx context.Context, memberNo string) (*VerifyResult, error) {
	invalid := &VerifyResult{OK: true}
	if !ValidMemberNo(memberNo) {
		s.metrics.verified(ctx, "memberNo", false)
		return invalid, nil
	}

	m, err := s.store.GetMemberByNo(ctx, memberNo)
	if errors.Is(err, ErrNotFound) {
		s.metrics.verified(ctx, "memberNo", false)
		return invalid, nil
	}
	if err != nil {
		return nil, err
	}

	if !EvaluateStatus(m, s.now()).Active() {
		s.metrics.verified(ctx, "memberNo", false)
		return invalid, nil
	}
	s.metrics.verified(ctx, "memberNo", true)
	return &VerifyResult{OK: true, Valid: true, MemberNo: m.MemberNo, Name: m.Name, Region: m.Region}, nil
}

// verifyToken trusts the signature and the token's own expiry. Display fields
// are resolved from the live record so a renamed or moved member shows current
// values.
func (s *service) verifyToken(ctx context.Context, raw string) (*VerifyResult, error) {
	verdict := s.tokens.Verify(raw)
	if !verdict.Valid {
		s.metrics.verified(ctx, "token", false)
		return &VerifyResult{OK: true, Reason: verdict.Reason}, nil
	}
	s.metrics.verified(ctx, "token", true)

	res := &VerifyResult{OK: true, Valid: true, MemberNo: verdict.MemberNo}
	m, err := s.store.GetMemberByNo(ctx, verdict.MemberNo)
	switch {
	case err == nil:
		res.Name = m.Name
		res.Region = m.Region
	case errors.Is(err, ErrNotFound):
	default:
		s.logger.WarnContext(ctx, "resolve token display fields", "memberNo", verdict.MemberNo, "error", err)
	}
	return res, nil
}
