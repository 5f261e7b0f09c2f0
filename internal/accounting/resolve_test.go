package accounting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubJobChecker struct {
	known map[string]bool
}

func (s *stubJobChecker) JobExists(ctx context.Context, jobID string) (bool, error) {
	return s.known[jobID], nil
}

type stubActiveIndex struct {
	byCampaign map[string]string
}

func (s *stubActiveIndex) ActiveJobIDForCampaign(campaignID string) string {
	return s.byCampaign[campaignID]
}

func newTestResolver(known []string, byCampaign map[string]string) *Resolver {
	checker := &stubJobChecker{known: map[string]bool{}}
	for _, id := range known {
		checker.known[id] = true
	}
	return NewResolver(checker, &stubActiveIndex{byCampaign: byCampaign})
}

func TestResolveExplicitHeaderWins(t *testing.T) {
	r := newTestResolver(nil, map[string]string{"camp-1": "ffffffffffff"})
	rec := Record{
		HeaderJobID:      "abcdef123456",
		MessageID:        "<bbbbbbbbbbbb.xyz@dispatch>",
		HeaderCampaignID: "camp-1",
	}
	assert.Equal(t, "abcdef123456", r.Resolve(context.Background(), rec))
}

func TestResolveJobIDField(t *testing.T) {
	r := newTestResolver(nil, nil)
	assert.Equal(t, "abcdef123456", r.Resolve(context.Background(), Record{JobID: " abcdef123456 "}))
}

func TestResolveMessageIDToken(t *testing.T) {
	r := newTestResolver([]string{"abcdef123456"}, nil)

	rec := Record{MessageID: "<abcdef123456.8f2a01bc@dispatch>"}
	assert.Equal(t, "abcdef123456", r.Resolve(context.Background(), rec))
}

func TestResolveMessageIDTokenMustExist(t *testing.T) {
	r := newTestResolver(nil, map[string]string{"camp-1": "ffffffffffff"})

	rec := Record{
		MessageID:        "<abcdef123456.8f2a01bc@dispatch>",
		HeaderCampaignID: "camp-1",
	}
	assert.Equal(t, "ffffffffffff", r.Resolve(context.Background(), rec),
		"an unknown message token falls through to the campaign strategy")
}

func TestResolveCampaignFallback(t *testing.T) {
	r := newTestResolver(nil, map[string]string{"camp-1": "abcdef123456"})
	assert.Equal(t, "abcdef123456", r.Resolve(context.Background(), Record{HeaderCampaignID: "camp-1"}))
	assert.Empty(t, r.Resolve(context.Background(), Record{HeaderCampaignID: "camp-2"}))
}

func TestResolveNothingMatches(t *testing.T) {
	r := newTestResolver(nil, nil)
	assert.Empty(t, r.Resolve(context.Background(), Record{Type: "d", Recipient: "a@b.com"}))
}

func TestJobTokenFromMessageID(t *testing.T) {
	tests := []struct {
		msgid string
		want  string
	}{
		{"<abcdef123456.8f2a@dispatch>", "abcdef123456"},
		{"abcdef123456.8f2a@dispatch", "abcdef123456"},
		{"<abcdef12345.8f2a@dispatch>", ""},   // wrong length
		{"<ABCDEF123456.8f2a@dispatch>", ""},  // upper case is not ours
		{"<abcdef123456@dispatch>", ""},       // no dot separator
		{"<abcdefg12345.8f2a@dispatch>", ""},  // non-hex
		{"no-at-sign", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, jobTokenFromMessageID(tt.msgid), "msgid %q", tt.msgid)
	}
}
