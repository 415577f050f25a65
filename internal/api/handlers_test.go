package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"slidesync/internal/filestore"
	"slidesync/internal/models"
	"slidesync/internal/storage"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.Action
}

func (n *recordingNotifier) Broadcast(scheduleID string, action models.Action, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, action)
}

func (n *recordingNotifier) actions() []models.Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Action(nil), n.events...)
}

func newTestServer(t *testing.T) (*httptest.Server, *storage.BboltStorage, *recordingNotifier) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBboltStorage(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	files, err := filestore.NewLocalStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatal(err)
	}

	notifier := &recordingNotifier{}
	handlers := New(store, files, notifier, nil)

	r := mux.NewRouter()
	schedules := r.PathPrefix("/church/{churchID}/schedules").Subrouter()
	schedules.HandleFunc("", handlers.ListSchedules).Methods(http.MethodGet)
	schedules.HandleFunc("", handlers.CreateSchedule).Methods(http.MethodPost)
	schedules.HandleFunc("/{scheduleID}/slides", handlers.ListSlides).Methods(http.MethodGet)
	schedules.HandleFunc("/{scheduleID}/slides", handlers.CreateSlide).Methods(http.MethodPost)
	schedules.HandleFunc("/{scheduleID}/slides/batch", handlers.BatchSlides).
		Methods(http.MethodPost, http.MethodPut, http.MethodDelete)
	schedules.HandleFunc("/{scheduleID}/slides/{slideID}", handlers.UpdateSlide).Methods(http.MethodPut)
	schedules.HandleFunc("/{scheduleID}/slides/{slideID}", handlers.DeleteSlide).Methods(http.MethodDelete)
	schedules.HandleFunc("/{scheduleID}/save", handlers.SaveSchedule).Methods(http.MethodPost)
	schedules.HandleFunc("/{scheduleID}/unsave", handlers.UnsaveSchedule).Methods(http.MethodPost)
	r.HandleFunc("/church/{churchID}/uploads", handlers.UploadMedia).Methods(http.MethodPost)
	r.HandleFunc("/uploads/{id}", handlers.GetMedia).Methods(http.MethodGet)
	r.HandleFunc("/uploads/{id}", handlers.DeleteMedia).Methods(http.MethodDelete)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store, notifier
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data T `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return envelope.Data
}

func TestScheduleLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)
	base := srv.URL + "/church/church-1/schedules"

	resp := postJSON(t, base, models.Schedule{Name: "Sunday Morning"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decodeData[models.Schedule](t, resp)
	if created.ServerID == "" {
		t.Error("no server id assigned")
	}
	if created.ChurchID != "church-1" {
		t.Errorf("ChurchID = %q", created.ChurchID)
	}
	if created.SyncState != models.SyncStateSynced {
		t.Errorf("SyncState = %s", created.SyncState)
	}

	resp, err := http.Get(base)
	if err != nil {
		t.Fatal(err)
	}
	list := decodeData[[]models.Schedule](t, resp)
	if len(list) != 1 || list[0].Name != "Sunday Morning" {
		t.Errorf("list = %+v", list)
	}

	// Save and unsave.
	resp = postJSON(t, fmt.Sprintf("%s/%s/save", base, created.ServerID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("save status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, base+"/no-such/save", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("save of unknown schedule status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateScheduleRejectsBadNames(t *testing.T) {
	srv, _, _ := newTestServer(t)
	base := srv.URL + "/church/church-1/schedules"

	for _, name := range []string{"", "   ", "bad/name"} {
		resp := postJSON(t, base, models.Schedule{Name: name})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("name %q: status = %d, want 400", name, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestSlideCRUDBroadcasts(t *testing.T) {
	srv, store, notifier := newTestServer(t)
	base := srv.URL + "/church/church-1/schedules/sched-1/slides"

	resp := postJSON(t, base, models.Slide{
		ID:       "client-1",
		Title:    "Verse <script>x</script>1",
		Type:     models.SlideTypeText,
		Contents: []string{"He walks with <b>me</b>"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decodeData[models.Slide](t, resp)
	if created.ServerID == "" {
		t.Fatal("no server id assigned")
	}
	if created.Title != "Verse 1" {
		t.Errorf("Title not sanitized: %q", created.Title)
	}
	if created.Contents[0] != "He walks with <b>me</b>" {
		t.Errorf("inline markup stripped: %q", created.Contents[0])
	}

	// Update through the id route.
	created.Title = "Chorus"
	req, err := http.NewRequest(http.MethodPut, base+"/"+created.ServerID, jsonBody(t, created))
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	updated := decodeData[models.Slide](t, resp)
	if updated.Title != "Chorus" || updated.ServerID != created.ServerID {
		t.Errorf("update result = %+v", updated)
	}

	stored, err := store.GetSlide("sched-1", created.ServerID)
	if err != nil {
		t.Fatalf("slide not persisted: %v", err)
	}
	if stored.Title != "Chorus" {
		t.Errorf("stored Title = %q", stored.Title)
	}

	// Delete.
	req, err = http.NewRequest(http.MethodDelete, base+"/"+created.ServerID, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if _, err := store.GetSlide("sched-1", created.ServerID); err == nil {
		t.Error("slide still present after delete")
	}

	want := []models.Action{models.ActionSlideCreated, models.ActionSlideUpdated, models.ActionSlideDeleted}
	got := notifier.actions()
	if len(got) != len(want) {
		t.Fatalf("broadcasts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("broadcast[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBatchSlides(t *testing.T) {
	srv, _, notifier := newTestServer(t)
	base := srv.URL + "/church/church-1/schedules/sched-1/slides/batch"

	resp := postJSON(t, base, map[string]any{
		"slides": []models.Slide{
			{ID: "client-a", Type: models.SlideTypeText},
			{ID: "client-b", Type: models.SlideTypeText},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch create status = %d", resp.StatusCode)
	}
	type batchResponse struct {
		Succeeded []models.Slide `json:"succeeded"`
		FailedIDs []string       `json:"failedIds"`
	}
	result := decodeData[batchResponse](t, resp)
	if len(result.Succeeded) != 2 || len(result.FailedIDs) != 0 {
		t.Errorf("batch result = %+v", result)
	}
	if got := notifier.actions(); len(got) != 2 {
		t.Errorf("broadcast count = %d, want 2", len(got))
	}

	// Batch delete, mixing a real and an absent id.
	body := jsonBody(t, map[string]any{
		"slideIds": []string{result.Succeeded[0].ServerID, "no-such"},
	})
	req, err := http.NewRequest(http.MethodDelete, base, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUploadAndFetchMedia(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// Minimal valid PNG for the magic-byte sniffer.
	pngBase64 := "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="
	png, err := base64.StdEncoding.DecodeString(pngBase64)
	if err != nil {
		t.Fatal(err)
	}

	resp := uploadFile(t, srv.URL+"/church/church-1/uploads", "bg.png", png)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	uploaded := decodeData[map[string]string](t, resp)
	if uploaded["mimeType"] != "image/png" {
		t.Errorf("mimeType = %q", uploaded["mimeType"])
	}
	if uploaded["id"] == "" {
		t.Fatal("no id in upload response")
	}

	resp, err = http.Get(srv.URL + "/uploads/" + uploaded["id"])
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, png) {
		t.Error("fetched bytes differ from upload")
	}
}

func TestDeleteMediaKeepsSharedContent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	pngBase64 := "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="
	png, err := base64.StdEncoding.DecodeString(pngBase64)
	if err != nil {
		t.Fatal(err)
	}

	// Two uploads of the same bytes share one content-addressed blob.
	first := decodeData[map[string]string](t, uploadFile(t, srv.URL+"/church/church-1/uploads", "a.png", png))
	second := decodeData[map[string]string](t, uploadFile(t, srv.URL+"/church/church-1/uploads", "b.png", png))
	if first["id"] == second["id"] {
		t.Fatalf("uploads share metadata id %q", first["id"])
	}

	deleteMedia := func(id string, want int) {
		t.Helper()
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/uploads/"+id, nil)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("delete %s status = %d, want %d", id, resp.StatusCode, want)
		}
	}

	deleteMedia(first["id"], http.StatusOK)

	// The second record still serves the shared bytes.
	resp, err := http.Get(srv.URL + "/uploads/" + second["id"])
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("fetch after sibling delete status = %d", resp.StatusCode)
	}

	deleteMedia(second["id"], http.StatusOK)
	deleteMedia(second["id"], http.StatusNotFound)

	resp, err = http.Get(srv.URL + "/uploads/" + second["id"])
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("fetch after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestUploadRejectsNonMedia(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := uploadFile(t, srv.URL+"/church/church-1/uploads", "notes.txt", []byte("just text"))
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("upload status = %d, want 415", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetMediaUnknownID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/uploads/no-such")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(data)
}

func uploadFile(t *testing.T, url, name string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}
