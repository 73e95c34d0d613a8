package edfi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"edfi_sync/internal/domain"
)

type stubTokens struct {
	mu          sync.Mutex
	issued      int
	invalidated int
	err         error
}

func (s *stubTokens) GetToken(_ context.Context, _ *domain.Connection) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return "token-" + strconv.Itoa(s.issued+s.invalidated), nil
}

func (s *stubTokens) Invalidate(_ context.Context, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

type ClientTestSuite struct {
	suite.Suite

	server   *httptest.Server
	mu       sync.Mutex
	handler  http.HandlerFunc
	requests []*http.Request
	bodies   []string

	tokens *stubTokens
	sleeps []time.Duration
	client *Client
	conn   *domain.Connection
}

func (s *ClientTestSuite) SetupTest() {
	s.requests = nil
	s.bodies = nil
	s.sleeps = nil
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, r)
		s.bodies = append(s.bodies, string(body))
		h := s.handler
		s.mu.Unlock()
		h(w, r)
	}))

	s.tokens = &stubTokens{}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.client = New(Config{
		Timeout:           5 * time.Second,
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		DefaultRetryAfter: 5 * time.Second,
	}, s.tokens, logger, WithSleep(func(_ context.Context, d time.Duration) error {
		s.sleeps = append(s.sleeps, d)
		return nil
	}))

	s.conn = &domain.Connection{
		ID:       "conn-1",
		BaseURL:  s.server.URL + "/",
		PageSize: 25,
	}
}

func (s *ClientTestSuite) TearDownTest() {
	s.server.Close()
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (s *ClientTestSuite) respond(statuses ...int) {
	call := 0
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		status := statuses[len(statuses)-1]
		if call < len(statuses) {
			status = statuses[call]
		}
		call++
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`[{"id":"a"}]`))
		}
	}
}

func (s *ClientTestSuite) TestFetchPage_BuildsRequest() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"s1","firstName":"Jane"},{"id":"s2"}]`))
	}
	minVersion := int64(100)

	records, err := s.client.FetchPage(context.Background(), s.conn, "students", 50, 25, &minVersion)

	s.Require().NoError(err)
	s.Len(records, 2)
	s.Equal("Jane", records[0]["firstName"])

	req := s.requests[0]
	s.Equal(http.MethodGet, req.Method)
	s.Equal("/data/v3/ed-fi/students", req.URL.Path)
	s.Equal("50", req.URL.Query().Get("offset"))
	s.Equal("25", req.URL.Query().Get("limit"))
	s.Equal("100", req.URL.Query().Get("minChangeVersion"))
	s.Equal("Bearer token-0", req.Header.Get("Authorization"))
}

func (s *ClientTestSuite) TestFetchPage_OmitsMinChangeVersion() {
	s.respond(http.StatusOK)

	_, err := s.client.FetchPage(context.Background(), s.conn, "students", 0, 25, nil)

	s.Require().NoError(err)
	s.False(s.requests[0].URL.Query().Has("minChangeVersion"))
}

func (s *ClientTestSuite) TestUnauthorized_ReauthenticatesOnce() {
	s.respond(http.StatusUnauthorized, http.StatusOK)

	records, err := s.client.FetchPage(context.Background(), s.conn, "students", 0, 25, nil)

	s.Require().NoError(err)
	s.Len(records, 1)
	s.Equal(1, s.tokens.invalidated)
	s.Require().Len(s.requests, 2)
	s.Equal("Bearer token-0", s.requests[0].Header.Get("Authorization"))
	s.Equal("Bearer token-1", s.requests[1].Header.Get("Authorization"))
	s.Empty(s.sleeps)
}

func (s *ClientTestSuite) TestUnauthorized_SecondIsTerminal() {
	s.respond(http.StatusUnauthorized, http.StatusUnauthorized, http.StatusOK)

	_, err := s.client.FetchPage(context.Background(), s.conn, "students", 0, 25, nil)

	s.True(domain.IsKind(err, domain.KindAuthenticationFailed))
	s.Len(s.requests, 2)
}

func (s *ClientTestSuite) TestRateLimited_HonoursRetryAfter() {
	call := 0
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		call++
		if call == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}

	_, err := s.client.FetchPage(context.Background(), s.conn, "students", 0, 25, nil)

	s.Require().NoError(err)
	s.Equal([]time.Duration{7 * time.Second}, s.sleeps)
}

func (s *ClientTestSuite) TestRateLimited_DefaultWaitAndExhaustion() {
	s.respond(http.StatusTooManyRequests)

	_, err := s.client.FetchPage(context.Background(), s.conn, "students", 0, 25, nil)

	s.True(domain.IsKind(err, domain.KindRateLimited))
	s.Equal([]time.Duration{5 * time.Second, 5 * time.Second}, s.sleeps)
	s.Len(s.requests, 3)
}

func (s *ClientTestSuite) TestServerError_BackoffDoublesUntilCeiling() {
	s.respond(http.StatusInternalServerError)

	_, err := s.client.FetchPage(context.Background(), s.conn, "students", 0, 25, nil)

	s.True(domain.IsKind(err, domain.KindServerError))
	s.True(domain.IsRetryable(err))
	s.Equal([]time.Duration{2 * time.Second, 4 * time.Second}, s.sleeps)
	s.Len(s.requests, 3)

	for i := 1; i < len(s.sleeps); i++ {
		s.Equal(2*s.sleeps[i-1], s.sleeps[i])
	}
}

func (s *ClientTestSuite) TestServerError_RecoversWithinBudget() {
	s.respond(http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusOK)

	records, err := s.client.FetchPage(context.Background(), s.conn, "students", 0, 25, nil)

	s.Require().NoError(err)
	s.Len(records, 1)
	s.Len(s.requests, 3)
}

func (s *ClientTestSuite) TestNotFound_IsTerminal() {
	s.respond(http.StatusNotFound)

	_, err := s.client.Send(context.Background(), s.conn, "students/abc", http.MethodPut, map[string]any{"id": "abc"})

	s.True(domain.IsKind(err, domain.KindResourceNotFound))
	s.Len(s.requests, 1)
	s.Empty(s.sleeps)
}

func (s *ClientTestSuite) TestOtherClientError_IsTerminal() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"studentUniqueId is required"}`))
	}

	_, err := s.client.Send(context.Background(), s.conn, "students", http.MethodPost, map[string]any{})

	s.True(domain.IsKind(err, domain.KindRequestFailed))
	s.Contains(err.Error(), "studentUniqueId is required")

	var domainErr *domain.Error
	s.Require().ErrorAs(err, &domainErr)
	s.Equal(http.StatusBadRequest, domainErr.StatusCode)
	s.Len(s.requests, 1)
}

func (s *ClientTestSuite) TestTransportError_RetriedLikeServerError() {
	s.server.Close()

	_, err := s.client.FetchPage(context.Background(), s.conn, "students", 0, 25, nil)

	s.True(domain.IsKind(err, domain.KindServerError))
	s.Equal([]time.Duration{2 * time.Second, 4 * time.Second}, s.sleeps)
}

func (s *ClientTestSuite) TestTokenFailure_Propagates() {
	s.tokens.err = domain.NewError(domain.KindAuthenticationFailed, "token request failed")

	_, err := s.client.FetchPage(context.Background(), s.conn, "students", 0, 25, nil)

	s.True(domain.IsKind(err, domain.KindAuthenticationFailed))
	s.Empty(s.requests)
}

func (s *ClientTestSuite) TestSend_NoContent() {
	s.respond(http.StatusNoContent)

	resp, err := s.client.Send(context.Background(), s.conn, "students/abc", http.MethodDelete, nil)

	s.Require().NoError(err)
	s.Nil(resp)
	s.Equal(http.MethodDelete, s.requests[0].Method)
	s.Equal("/data/v3/ed-fi/students/abc", s.requests[0].URL.Path)
	s.Empty(s.bodies[0])
}

func (s *ClientTestSuite) TestSend_PostsJSON() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}

	resp, err := s.client.Send(context.Background(), s.conn, "students", http.MethodPost, map[string]any{"firstName": "Jane"})

	s.Require().NoError(err)
	s.Nil(resp)
	s.Equal("application/json", s.requests[0].Header.Get("Content-Type"))
	s.JSONEq(`{"firstName":"Jane"}`, s.bodies[0])
}

func (s *ClientTestSuite) TestSendOnce_TransientFailuresAreNotRetried() {
	tests := []struct {
		name   string
		status int
		kind   domain.ErrorKind
	}{
		{"server error", http.StatusServiceUnavailable, domain.KindServerError},
		{"rate limited", http.StatusTooManyRequests, domain.KindRateLimited},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.requests = nil
			s.sleeps = nil
			s.respond(tt.status)

			_, err := s.client.SendOnce(context.Background(), s.conn, "students/abc", http.MethodPut, map[string]any{"id": "abc"})

			s.True(domain.IsKind(err, tt.kind))
			s.Len(s.requests, 1)
			s.Empty(s.sleeps)
		})
	}
}

func (s *ClientTestSuite) TestSendOnce_StillReauthenticates() {
	s.respond(http.StatusUnauthorized, http.StatusNoContent)

	_, err := s.client.SendOnce(context.Background(), s.conn, "students/abc", http.MethodDelete, nil)

	s.Require().NoError(err)
	s.Len(s.requests, 2)
	s.Equal(1, s.tokens.invalidated)
}

func (s *ClientTestSuite) TestFetchAll_StopsOnShortPage() {
	s.handler = pagedHandler(40)

	var offsets []int
	total := 0
	err := s.client.FetchAll(context.Background(), s.conn, "students", nil, func(offset int, page []domain.Record) error {
		offsets = append(offsets, offset)
		total += len(page)
		return nil
	})

	s.Require().NoError(err)
	s.Equal([]int{0, 25}, offsets)
	s.Equal(40, total)
	s.Len(s.requests, 2)
}

func (s *ClientTestSuite) TestFetchAll_ExactMultipleEndsOnEmptyPage() {
	s.handler = pagedHandler(50)

	total := 0
	err := s.client.FetchAll(context.Background(), s.conn, "students", nil, func(_ int, page []domain.Record) error {
		total += len(page)
		return nil
	})

	s.Require().NoError(err)
	s.Equal(50, total)
	s.Len(s.requests, 3)
}

func (s *ClientTestSuite) TestFetchAll_CallbackErrorStops() {
	s.handler = pagedHandler(100)
	stop := fmt.Errorf("stop")

	err := s.client.FetchAll(context.Background(), s.conn, "students", nil, func(_ int, _ []domain.Record) error {
		return stop
	})

	s.ErrorIs(err, stop)
	s.Len(s.requests, 1)
}

func (s *ClientTestSuite) TestAvailableChangeVersions() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.Equal("/data/v3/ed-fi/availableChangeVersions", r.URL.Path)
		_, _ = w.Write([]byte(`{"OldestChangeVersion":3,"NewestChangeVersion":250}`))
	}

	versions, err := s.client.AvailableChangeVersions(context.Background(), s.conn)

	s.Require().NoError(err)
	s.Equal(int64(3), versions.OldestChangeVersion)
	s.Equal(int64(250), versions.NewestChangeVersion)
}

func pagedHandler(total int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		page := []map[string]any{}
		for i := offset; i < total && i < offset+limit; i++ {
			page = append(page, map[string]any{"id": fmt.Sprintf("r%d", i)})
		}
		_ = json.NewEncoder(w).Encode(page)
	}
}
