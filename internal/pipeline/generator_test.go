package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storybook-ai/storybook-engine/internal/artifacts"
	"github.com/storybook-ai/storybook-engine/internal/imaging"
	"github.com/storybook-ai/storybook-engine/internal/observability"
	"github.com/storybook-ai/storybook-engine/internal/session"
	"github.com/storybook-ai/storybook-engine/internal/story"
)

// fakeProvider scripts the three provider calls.
type fakeProvider struct {
	mu sync.Mutex

	description string
	analyzeErr  error

	storyRaw string
	storyErr error

	imageErr   error
	imageCalls int
	prompts    []string
}

func (f *fakeProvider) AnalyzeImage(ctx context.Context, imagePath string) (string, error) {
	if f.analyzeErr != nil {
		return "", f.analyzeErr
	}
	return f.description, nil
}

func (f *fakeProvider) GenerateStory(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if f.storyErr != nil {
		return "", f.storyErr
	}
	return f.storyRaw, nil
}

func (f *fakeProvider) GenerateImage(ctx context.Context, prompt string) (image.Image, error) {
	f.mu.Lock()
	f.imageCalls++
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return imaging.Placeholder(8), nil
}

// recordingStore wraps a store and captures every progress value written.
type recordingStore struct {
	session.Store

	mu       sync.Mutex
	progress []int
}

func (r *recordingStore) Update(ctx context.Context, sessionID string, fn func(*session.Record)) error {
	return r.Store.Update(ctx, sessionID, func(rec *session.Record) {
		fn(rec)
		r.mu.Lock()
		r.progress = append(r.progress, rec.Progress)
		r.mu.Unlock()
	})
}

func modelOutline(t *testing.T) string {
	t.Helper()

	var sb strings.Builder
	sb.WriteString(`{"story_title":"Little Red Riding Hood","pages":[`)
	for i := 1; i <= story.PageCount; i++ {
		if i > 1 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"page_number":%d,"scene_description":"Scene %d","text":"Page %d text.","image_prompt":"Illustration %d"}`, i, i, i, i)
	}
	sb.WriteString("]}")
	return sb.String()
}

type pipelineFixture struct {
	store    *recordingStore
	files    *artifacts.Store
	provider *fakeProvider
	gen      *Generator
	upload   string
}

func newPipelineFixture(t *testing.T, provider *fakeProvider) *pipelineFixture {
	t.Helper()

	root := t.TempDir()
	files, err := artifacts.NewStore(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"))
	require.NoError(t, err)

	store := &recordingStore{Store: session.NewMemoryStore()}

	upload, err := files.SaveUpload("sess-1", "png", bytes.NewReader([]byte("img")))
	require.NoError(t, err)

	require.NoError(t, store.Insert(context.Background(), &session.Record{
		SessionID:  "sess-1",
		Status:     session.StatusStarting,
		CreatedAt:  time.Now(),
		UploadPath: upload,
	}))

	return &pipelineFixture{
		store:    store,
		files:    files,
		provider: provider,
		gen:      NewGenerator(observability.Nop(), store, files, provider, Config{}),
		upload:   upload,
	}
}

func TestGenerator_SuccessfulRun(t *testing.T) {
	provider := &fakeProvider{
		description: "a child with brown hair",
		storyRaw:    modelOutline(t),
	}
	fx := newPipelineFixture(t, provider)

	fx.gen.Run(context.Background(), "sess-1", fx.upload, "little_red_riding_hood", "girl")

	rec, err := fx.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)

	assert.True(t, rec.Completed)
	assert.Equal(t, session.StatusComplete, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Empty(t, rec.Error)
	require.NotEmpty(t, rec.PDFPath)

	data, err := os.ReadFile(rec.PDFPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))

	assert.Equal(t, story.PageCount, provider.imageCalls)

	// Progress only ever moves forward and finishes at 100.
	prev := 0
	for _, p := range fx.store.progress {
		assert.GreaterOrEqual(t, p, prev)
		prev = p
	}
	assert.Equal(t, 100, prev)

	// Every illustration prompt carries the character description.
	for _, prompt := range provider.prompts {
		assert.Contains(t, prompt, "a child with brown hair")
		assert.Contains(t, prompt, "children's book illustration style")
	}
}

func TestGenerator_UnreadableUploadFailsSession(t *testing.T) {
	provider := &fakeProvider{
		description: "a child",
		storyRaw:    modelOutline(t),
	}
	fx := newPipelineFixture(t, provider)

	require.NoError(t, os.Remove(fx.upload))

	fx.gen.Run(context.Background(), "sess-1", fx.upload, "little_red_riding_hood", "girl")

	rec, err := fx.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.False(t, rec.Completed)
	assert.Equal(t, session.StatusFailed, rec.Status)
	assert.Equal(t, "the uploaded photo could not be read", rec.Error)
	assert.Zero(t, provider.imageCalls, "generation must not start without a source photo")
}

func TestGenerator_AnalysisFailureDegradesToNeutral(t *testing.T) {
	provider := &fakeProvider{
		analyzeErr: errors.New("vision model unavailable"),
		storyRaw:   modelOutline(t),
	}
	fx := newPipelineFixture(t, provider)

	fx.gen.Run(context.Background(), "sess-1", fx.upload, "little_red_riding_hood", "girl")

	rec, err := fx.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, rec.Completed)

	for _, prompt := range provider.prompts {
		assert.Contains(t, prompt, neutralDescription)
	}
}

func TestGenerator_OutlineFailureUsesFallback(t *testing.T) {
	provider := &fakeProvider{
		description: "a child",
		storyErr:    errors.New("model overloaded"),
	}
	fx := newPipelineFixture(t, provider)

	fx.gen.Run(context.Background(), "sess-1", fx.upload, "jack_and_the_beanstalk", "boy")

	rec, err := fx.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, rec.Completed, "fallback outline must still produce a book")
	assert.Equal(t, 100, rec.Progress)

	// The fallback script drives the illustration prompts.
	require.Len(t, provider.prompts, story.PageCount)
	assert.Contains(t, provider.prompts[0], "Cover: Jack at home")
}

func TestGenerator_MalformedOutlineUsesFallback(t *testing.T) {
	provider := &fakeProvider{
		description: "a child",
		storyRaw:    "I'm sorry, I can't produce that.",
	}
	fx := newPipelineFixture(t, provider)

	fx.gen.Run(context.Background(), "sess-1", fx.upload, "little_red_riding_hood", "girl")

	rec, err := fx.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, rec.Completed)
	assert.Equal(t, story.PageCount, provider.imageCalls)
}

func TestGenerator_ImageFailureUsesPlaceholder(t *testing.T) {
	provider := &fakeProvider{
		description: "a child",
		storyRaw:    modelOutline(t),
		imageErr:    errors.New("image model unavailable"),
	}
	fx := newPipelineFixture(t, provider)

	fx.gen.Run(context.Background(), "sess-1", fx.upload, "little_red_riding_hood", "girl")

	rec, err := fx.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, rec.Completed, "placeholder pages must still assemble")
	assert.NotEmpty(t, rec.PDFPath)
}

func TestGenerator_AssemblyFailureIsTerminal(t *testing.T) {
	provider := &fakeProvider{
		description: "a child",
		storyRaw:    modelOutline(t),
	}
	fx := newPipelineFixture(t, provider)

	// Remove the outputs area so publishing the PDF fails.
	require.NoError(t, os.RemoveAll(filepath.Dir(fx.files.PDFPath("sess-1"))))

	fx.gen.Run(context.Background(), "sess-1", fx.upload, "little_red_riding_hood", "girl")

	rec, err := fx.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.False(t, rec.Completed)
	assert.Equal(t, session.StatusFailed, rec.Status)
	assert.Equal(t, "could not assemble the book", rec.Error)
	assert.Equal(t, 95, rec.Progress, "failure must not roll progress back")
}

func TestGenerator_CancelledContextFailsSession(t *testing.T) {
	provider := &fakeProvider{
		description: "a child",
		storyRaw:    modelOutline(t),
	}
	fx := newPipelineFixture(t, provider)
	fx.gen.config.PageDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		fx.gen.Run(ctx, "sess-1", fx.upload, "little_red_riding_hood", "girl")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	rec, err := fx.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, rec.Status)
	assert.Equal(t, "generation was interrupted", rec.Error)
}

func TestPagePrompt_Truncation(t *testing.T) {
	page := story.Page{
		PageNumber:  3,
		ImagePrompt: strings.Repeat("p", 600),
	}
	prompt := pagePrompt(page, strings.Repeat("d", 300), 3, 12)

	assert.Contains(t, prompt, strings.Repeat("p", 400))
	assert.NotContains(t, prompt, strings.Repeat("p", 401))
	assert.Contains(t, prompt, strings.Repeat("d", 200))
	assert.NotContains(t, prompt, strings.Repeat("d", 201))
	assert.Contains(t, prompt, "page 3 of 12")
}

func TestPagePrompt_MultibyteTruncation(t *testing.T) {
	page := story.Page{
		PageNumber:  1,
		ImagePrompt: strings.Repeat("ü", 600),
	}
	prompt := pagePrompt(page, strings.Repeat("é", 300), 1, 12)

	assert.True(t, utf8.ValidString(prompt), "truncation must not split a rune")
	assert.Contains(t, prompt, strings.Repeat("ü", 400))
	assert.Contains(t, prompt, strings.Repeat("é", 200))
}
