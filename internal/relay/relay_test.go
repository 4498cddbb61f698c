package relay

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/gemini-relay/internal/history"
	"github.com/comigor/gemini-relay/internal/identity"
	"github.com/comigor/gemini-relay/internal/media"
)

// mockModel echoes the text of each turn unless err is set.
type mockModel struct {
	mu    sync.Mutex
	err   error
	calls int
	seen  [][]history.Turn
	turns []history.Turn
}

func (m *mockModel) SendMessage(_ context.Context, hist []history.Turn, turn history.Turn) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.seen = append(m.seen, hist)
	m.turns = append(m.turns, turn)
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("reply %d to %q", len(hist)/2+1, turn.Text()), nil
}

func (m *mockModel) UploadMedia(context.Context, io.Reader, string, string) (history.FileRef, error) {
	return history.FileRef{}, errors.New("not used")
}

type mockMedia struct {
	urlErr error
	urls   []string
}

func (m *mockMedia) FromURL(_ context.Context, rawURL string) (history.FileRef, error) {
	m.urls = append(m.urls, rawURL)
	if m.urlErr != nil {
		return history.FileRef{}, m.urlErr
	}
	return history.FileRef{URI: "files/url", MIMEType: "image/jpeg"}, nil
}

func (m *mockMedia) FromUpload(_ context.Context, fh *multipart.FileHeader) (history.FileRef, error) {
	return history.FileRef{URI: "files/" + fh.Filename, MIMEType: "image/png"}, nil
}

type failingPersister struct {
	*history.Memory
	fail bool
}

func (f *failingPersister) Save(ctx context.Context, snap history.Snapshot) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Memory.Save(ctx, snap)
}

func newRelay(t *testing.T, model *mockModel, mm *mockMedia) (*Relay, *history.Store) {
	t.Helper()
	store, err := history.Open(context.Background(), history.NewMemory(nil))
	require.NoError(t, err)
	return New(store, identity.NewSequential(0), mm, model), store
}

func TestChatNewUserGetsIDAndTwoTurns(t *testing.T) {
	model := &mockModel{}
	r, store := newRelay(t, model, &mockMedia{})

	resp, err := r.Chat(context.Background(), Request{Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, "1", resp.UserID)
	require.NotEmpty(t, resp.Reply)

	require.Equal(t, []string{"1"}, store.Users())
	turns := store.Get("1")
	require.Len(t, turns, 2)
	require.Equal(t, history.RoleUser, turns[0].Role)
	require.Equal(t, "hello", turns[0].Text())
	require.Equal(t, history.RoleModel, turns[1].Role)
	require.Equal(t, resp.Reply, turns[1].Text())
}

func TestChatReturningUserSeesHistory(t *testing.T) {
	model := &mockModel{}
	r, store := newRelay(t, model, &mockMedia{})
	ctx := context.Background()

	first, err := r.Chat(ctx, Request{Text: "hello"})
	require.NoError(t, err)
	second, err := r.Chat(ctx, Request{UserID: first.UserID, Text: "how are you"})
	require.NoError(t, err)
	require.Equal(t, first.UserID, second.UserID)

	require.Len(t, model.seen[1], 2, "second call carries prior turns")

	turns := store.Get(first.UserID)
	require.Len(t, turns, 4)
	for i, turn := range turns {
		want := history.RoleUser
		if i%2 == 1 {
			want = history.RoleModel
		}
		require.Equal(t, want, turn.Role, "turn %d", i)
	}
}

func TestChatSuppliedIDUsedVerbatim(t *testing.T) {
	r, store := newRelay(t, &mockModel{}, &mockMedia{})
	resp, err := r.Chat(context.Background(), Request{UserID: "alice", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "alice", resp.UserID)
	require.Len(t, store.Get("alice"), 2)
}

func TestGeneratedIDsSkipCallerSuppliedIDs(t *testing.T) {
	model := &mockModel{}
	r, store := newRelay(t, model, &mockMedia{})
	ctx := context.Background()

	_, err := r.Chat(ctx, Request{UserID: "2", Text: "secret from caller two"})
	require.NoError(t, err)

	first, err := r.Chat(ctx, Request{Text: "hello"})
	require.NoError(t, err)
	second, err := r.Chat(ctx, Request{Text: "hello again"})
	require.NoError(t, err)

	require.Equal(t, "1", first.UserID)
	require.NotEqual(t, "2", second.UserID)
	require.Equal(t, "3", second.UserID)
	require.Empty(t, model.seen[2], "a fresh id starts with no history")

	require.Len(t, store.Get("2"), 2)
	require.Equal(t, "secret from caller two", store.Get("2")[0].Text())
}

type fixedIDs struct{ id string }

func (f fixedIDs) Next() string { return f.id }

func TestResolveUserGivesUpWhenGeneratorRepeatsTakenID(t *testing.T) {
	store, err := history.Open(context.Background(), history.NewMemory(history.Snapshot{"dup": {}}))
	require.NoError(t, err)
	r := New(store, fixedIDs{id: "dup"}, &mockMedia{}, &mockModel{})

	_, err = r.ResolveUser(context.Background(), "")
	require.ErrorContains(t, err, "no free user id")
}

func TestChatMissingInputMakesNoRemoteCall(t *testing.T) {
	model := &mockModel{}
	mm := &mockMedia{}
	r, store := newRelay(t, model, mm)

	_, err := r.Chat(context.Background(), Request{})
	require.ErrorIs(t, err, ErrMissingInput)

	_, err = r.Chat(context.Background(), Request{Text: "caption", Multipart: true})
	require.ErrorIs(t, err, ErrMissingImage)

	require.Zero(t, model.calls)
	require.Empty(t, mm.urls)
	require.Empty(t, store.Users())
}

func TestChatImageURLPartComesFirst(t *testing.T) {
	model := &mockModel{}
	mm := &mockMedia{}
	r, _ := newRelay(t, model, mm)

	_, err := r.Chat(context.Background(), Request{Text: "what is this", ImageURL: "https://img/cat.jpg"})
	require.NoError(t, err)
	require.Equal(t, []string{"https://img/cat.jpg"}, mm.urls)

	parts := model.turns[0].Parts
	require.Len(t, parts, 2)
	require.NotNil(t, parts[0].File)
	require.Equal(t, "files/url", parts[0].File.URI)
	require.Equal(t, "what is this", parts[1].Text)
}

func TestChatUploadWithoutText(t *testing.T) {
	model := &mockModel{}
	r, store := newRelay(t, model, &mockMedia{})

	resp, err := r.Chat(context.Background(), Request{
		Upload:    &multipart.FileHeader{Filename: "dog.png"},
		Multipart: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Reply)

	turns := store.Get(resp.UserID)
	require.Len(t, turns, 2)
	require.Len(t, turns[0].Parts, 1)
	require.Equal(t, "files/dog.png", turns[0].Parts[0].File.URI)
}

func TestChatModelFailureLeavesHistoryUntouched(t *testing.T) {
	model := &mockModel{}
	r, store := newRelay(t, model, &mockMedia{})
	ctx := context.Background()

	_, err := r.Chat(ctx, Request{UserID: "bob", Text: "one"})
	require.NoError(t, err)

	model.err = errors.New("503 from upstream")
	_, err = r.Chat(ctx, Request{UserID: "bob", Text: "two"})
	require.ErrorIs(t, err, ErrUpstream)
	require.ErrorContains(t, err, "503 from upstream")
	require.Len(t, store.Get("bob"), 2)
}

func TestChatMediaErrorsAreClassified(t *testing.T) {
	mm := &mockMedia{urlErr: errors.Wrap(media.ErrInvalidMedia, "status 404")}
	model := &mockModel{}
	r, _ := newRelay(t, model, mm)

	_, err := r.Chat(context.Background(), Request{ImageURL: "https://img/missing.jpg"})
	require.ErrorIs(t, err, ErrInvalidMedia)
	require.Zero(t, model.calls)

	mm.urlErr = fmt.Errorf("%w: %w", media.ErrUpload, errors.New("quota"))
	_, err = r.Chat(context.Background(), Request{ImageURL: "https://img/cat.jpg"})
	require.ErrorIs(t, err, ErrUpstream)
}

func TestChatPersistFailure(t *testing.T) {
	backend := &failingPersister{Memory: history.NewMemory(nil)}
	store, err := history.Open(context.Background(), backend)
	require.NoError(t, err)
	r := New(store, identity.NewSequential(0), &mockMedia{}, &mockModel{})

	backend.fail = true
	_, err = r.Chat(context.Background(), Request{UserID: "carol", Text: "hi"})
	require.ErrorIs(t, err, ErrPersist)
	require.Empty(t, store.Get("carol"))

	_, err = r.Chat(context.Background(), Request{Text: "hi"})
	require.ErrorIs(t, err, ErrPersist)
}

func TestChatWithoutHistory(t *testing.T) {
	model := &mockModel{}
	r := New(nil, nil, &mockMedia{}, model)
	require.False(t, r.HistoryEnabled())

	resp, err := r.Chat(context.Background(), Request{Text: "hi"})
	require.NoError(t, err)
	require.Empty(t, resp.UserID)
	require.Empty(t, model.seen[0])
}

func TestChatConcurrentSameUserKeepsAlternation(t *testing.T) {
	r, store := newRelay(t, &mockModel{}, &mockMedia{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Chat(context.Background(), Request{UserID: "dave", Text: fmt.Sprint(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	turns := store.Get("dave")
	require.Len(t, turns, 40)
	for i, turn := range turns {
		if i%2 == 0 {
			require.Equal(t, history.RoleUser, turn.Role)
		} else {
			require.Equal(t, history.RoleModel, turn.Role)
		}
	}
}
