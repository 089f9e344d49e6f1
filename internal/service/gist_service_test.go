package service

import (
	"context"
	"io"
	"mime/multipart"
	"testing"
	"time"

	"github.com/gistbin/gistbin/internal/dto"
	"github.com/gistbin/gistbin/internal/model"
	"github.com/gistbin/gistbin/pkg/apperror"
	"github.com/gistbin/gistbin/pkg/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeUserRepo struct {
	users map[uuid.UUID]*model.User
}

func (f *fakeUserRepo) Create(_ context.Context, user *model.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeUserRepo) FindByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeUserRepo) FindByUsername(_ context.Context, username string) (*model.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

type fakeGistRepo struct {
	gists    map[uuid.UUID]*model.Gist
	orphans  []model.SharedFile
	replaced [][]model.SharedFile
}

func newFakeGistRepo() *fakeGistRepo {
	return &fakeGistRepo{gists: make(map[uuid.UUID]*model.Gist)}
}

func (f *fakeGistRepo) Create(_ context.Context, gist *model.Gist) error {
	if gist.ID == uuid.Nil {
		gist.ID = uuid.New()
	}
	gist.CreatedAt = time.Now()
	f.gists[gist.ID] = gist
	return nil
}

func (f *fakeGistRepo) FindByID(_ context.Context, id uuid.UUID) (*model.Gist, error) {
	if g, ok := f.gists[id]; ok {
		return g, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeGistRepo) Update(_ context.Context, gist *model.Gist) error {
	f.gists[gist.ID] = gist
	return nil
}

func (f *fakeGistRepo) ReplaceFiles(_ context.Context, gist *model.Gist, files []model.SharedFile) error {
	f.replaced = append(f.replaced, files)
	gist.Files = files
	return nil
}

func (f *fakeGistRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(f.gists, id)
	return nil
}

func (f *fakeGistRepo) FindPublic(_ context.Context, limit int) ([]model.Gist, error) {
	var out []model.Gist
	for _, g := range f.gists {
		if g.Visibility == model.VisibilityPublic {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (f *fakeGistRepo) FindByUser(_ context.Context, userID uuid.UUID, publicOnly bool) ([]model.Gist, error) {
	var out []model.Gist
	for _, g := range f.gists {
		if g.UserID != userID {
			continue
		}
		if publicOnly && g.Visibility != model.VisibilityPublic {
			continue
		}
		out = append(out, *g)
	}
	return out, nil
}

func (f *fakeGistRepo) IncrementViews(_ context.Context, id uuid.UUID, delta int) error {
	if g, ok := f.gists[id]; ok {
		g.Views += delta
	}
	return nil
}

func (f *fakeGistRepo) FindOrphanFiles(_ context.Context, _ time.Time) ([]model.SharedFile, error) {
	return f.orphans, nil
}

func (f *fakeGistRepo) DeleteFile(_ context.Context, id uint) error {
	for i, o := range f.orphans {
		if o.ID == id {
			f.orphans = append(f.orphans[:i], f.orphans[i+1:]...)
			break
		}
	}
	return nil
}

type fakeStorage struct {
	uploaded  []string
	deleted   []string
	uploadErr error
	deleteErr error
}

func (f *fakeStorage) Upload(_ context.Context, r io.Reader, fileName string) (*storage.UploadResult, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	io.Copy(io.Discard, r)
	f.uploaded = append(f.uploaded, fileName)
	return &storage.UploadResult{
		URL:      "https://res.example.com/upload/gist-files/" + fileName,
		PublicID: "gist-files/" + fileName,
	}, nil
}

func (f *fakeStorage) Delete(_ context.Context, fileURL string) error {
	f.deleted = append(f.deleted, fileURL)
	return f.deleteErr
}

func (f *fakeStorage) SignUpload(now time.Time) (*storage.SignedUpload, error) {
	return &storage.SignedUpload{
		Signature: "sig",
		Timestamp: now.Unix(),
		Folder:    "gist-files",
		CloudName: "demo",
		APIKey:    "key",
	}, nil
}

func (f *fakeStorage) Config() storage.ClientConfig {
	return storage.ClientConfig{CloudName: "demo", UploadPreset: "preset"}
}

type fakeSearch struct {
	indexed []string
	removed []string
	hits    []string
}

func (f *fakeSearch) IndexGist(gist *model.Gist) error {
	f.indexed = append(f.indexed, gist.ID.String())
	return nil
}

func (f *fakeSearch) DeleteGist(id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeSearch) Search(_ string, _ int) ([]string, error) {
	return f.hits, nil
}

type fakeViews struct {
	counted []string
}

func (f *fakeViews) IncrementView(_ context.Context, gistID uuid.UUID, viewerKey string) error {
	f.counted = append(f.counted, gistID.String()+"/"+viewerKey)
	return nil
}

func (f *fakeViews) StartViewSyncWorker(_ context.Context) {}

type gistFixture struct {
	svc     GistService
	users   *fakeUserRepo
	gists   *fakeGistRepo
	blobs   *fakeStorage
	search  *fakeSearch
	views   *fakeViews
	ownerID uuid.UUID
}

func newGistFixture(t *testing.T) *gistFixture {
	t.Helper()

	owner := &model.User{ID: uuid.New(), Username: "alice", Email: "alice@example.com", FullName: "Alice Doe"}
	f := &gistFixture{
		users:   &fakeUserRepo{users: map[uuid.UUID]*model.User{owner.ID: owner}},
		gists:   newFakeGistRepo(),
		blobs:   &fakeStorage{},
		search:  &fakeSearch{},
		views:   &fakeViews{},
		ownerID: owner.ID,
	}
	f.svc = NewGistService(f.gists, f.users, f.blobs, f.search, f.views, 100<<20)
	return f
}

func (f *gistFixture) seedGist(t *testing.T, visibility string, files ...model.SharedFile) *model.Gist {
	t.Helper()
	gist := &model.Gist{
		UserID:     f.ownerID,
		OwnerName:  "Alice Doe",
		FileName:   "main.go",
		Code:       "package main",
		Visibility: visibility,
		Files:      files,
	}
	require.NoError(t, f.gists.Create(context.Background(), gist))
	return gist
}

func TestCreateGistDefaultsToPublicAndIndexes(t *testing.T) {
	f := newGistFixture(t)

	resp, err := f.svc.Create(context.Background(), f.ownerID, dto.CreateGistRequest{
		GistDescription:       "hello",
		FileNameWithExtension: "main.go",
		GistCode:              "package main",
	}, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.GistID)

	gist := f.gists.gists[uuid.MustParse(resp.GistID)]
	require.NotNil(t, gist)
	assert.Equal(t, model.VisibilityPublic, gist.Visibility)
	assert.Equal(t, "Alice Doe", gist.OwnerName)
	assert.Contains(t, f.search.indexed, resp.GistID)
}

func TestCreateGistUnknownUser(t *testing.T) {
	f := newGistFixture(t)

	_, err := f.svc.Create(context.Background(), uuid.New(), dto.CreateGistRequest{
		FileNameWithExtension: "main.go",
		GistCode:              "x",
	}, nil)
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

func TestCreateGistWithPreUploadedFile(t *testing.T) {
	f := newGistFixture(t)

	resp, err := f.svc.Create(context.Background(), f.ownerID, dto.CreateGistRequest{
		FileNameWithExtension: "main.go",
		GistCode:              "x",
		SharedFileJSON:        `{"fileName":"data.zip","fileUrl":"https://res.example.com/data.zip","fileSize":1024,"publicId":"gist-files/data"}`,
	}, nil)
	require.NoError(t, err)

	gist := f.gists.gists[uuid.MustParse(resp.GistID)]
	require.Len(t, gist.Files, 1)
	assert.Equal(t, "data.zip", gist.Files[0].FileName)
	assert.Equal(t, int64(1024), gist.Files[0].FileSize)
}

func TestCreateGistRejectsInvalidSharedFile(t *testing.T) {
	f := newGistFixture(t)

	base := dto.CreateGistRequest{FileNameWithExtension: "main.go", GistCode: "x"}

	bad := base
	bad.SharedFileJSON = `not json`
	_, err := f.svc.Create(context.Background(), f.ownerID, bad, nil)
	assert.ErrorIs(t, err, apperror.ErrInvalidInput)

	missing := base
	missing.SharedFileJSON = `{"fileName":"a.zip"}`
	_, err = f.svc.Create(context.Background(), f.ownerID, missing, nil)
	assert.ErrorIs(t, err, apperror.ErrInvalidInput)
}

func TestCreateGistAllowsOnlyOneAttachment(t *testing.T) {
	f := newGistFixture(t)

	_, err := f.svc.Create(context.Background(), f.ownerID, dto.CreateGistRequest{
		FileNameWithExtension: "main.go",
		GistCode:              "x",
		SharedFileJSON:        `[{"fileUrl":"https://a","fileSize":1},{"fileUrl":"https://b","fileSize":1}]`,
	}, nil)
	assert.ErrorIs(t, err, apperror.ErrTooManyFiles)
}

func TestCreateGistRejectsOversizedInlineFile(t *testing.T) {
	f := newGistFixture(t)

	header := &multipart.FileHeader{Filename: "huge.bin", Size: 200 << 20}
	_, err := f.svc.Create(context.Background(), f.ownerID, dto.CreateGistRequest{
		FileNameWithExtension: "main.go",
		GistCode:              "x",
	}, header)
	assert.ErrorIs(t, err, apperror.ErrFileTooLarge)
	assert.Empty(t, f.blobs.uploaded, "size check must run before any store traffic")
}

func TestUpdateGistOwnerOnly(t *testing.T) {
	f := newGistFixture(t)
	gist := f.seedGist(t, model.VisibilityPublic)

	req := dto.UpdateGistRequest{FileNameWithExtension: "main.go", GistCode: "y"}

	_, err := f.svc.Update(context.Background(), uuid.New(), gist.ID, req, nil)
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	_, err = f.svc.Update(context.Background(), f.ownerID, uuid.New(), req, nil)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestUpdateGistReplacesAttachment(t *testing.T) {
	f := newGistFixture(t)
	oldURL := "https://res.example.com/upload/gist-files/old.zip"
	gist := f.seedGist(t, model.VisibilityPublic, model.SharedFile{FileName: "old.zip", FileURL: oldURL, FileSize: 10})

	resp, err := f.svc.Update(context.Background(), f.ownerID, gist.ID, dto.UpdateGistRequest{
		FileNameWithExtension: "main.go",
		GistCode:              "updated",
		FilesToDeleteJSON:     `["` + oldURL + `"]`,
		SharedFileJSON:        `{"fileName":"new.zip","fileUrl":"https://res.example.com/new.zip","fileSize":20}`,
	}, nil)
	require.NoError(t, err)

	assert.Contains(t, f.blobs.deleted, oldURL)
	require.Len(t, f.gists.replaced, 1)
	require.Len(t, resp.SharedFiles, 1)
	assert.Equal(t, "new.zip", resp.SharedFiles[0].FileName)
	assert.Equal(t, "updated", resp.Code)
}

func TestUpdateGistBlobDeleteFailureIsNonFatal(t *testing.T) {
	f := newGistFixture(t)
	f.blobs.deleteErr = assert.AnError
	oldURL := "https://res.example.com/old.zip"
	gist := f.seedGist(t, model.VisibilityPublic, model.SharedFile{FileName: "old.zip", FileURL: oldURL, FileSize: 10})

	resp, err := f.svc.Update(context.Background(), f.ownerID, gist.ID, dto.UpdateGistRequest{
		FileNameWithExtension: "main.go",
		GistCode:              "y",
		FilesToDeleteJSON:     `["` + oldURL + `"]`,
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.SharedFiles, "reference is dropped even when the remote delete fails")
}

func TestUpdateGistKeptPlusNewViolatesSingleAttachment(t *testing.T) {
	f := newGistFixture(t)
	gist := f.seedGist(t, model.VisibilityPublic, model.SharedFile{FileName: "old.zip", FileURL: "https://old", FileSize: 10})

	_, err := f.svc.Update(context.Background(), f.ownerID, gist.ID, dto.UpdateGistRequest{
		FileNameWithExtension: "main.go",
		GistCode:              "y",
		SharedFileJSON:        `{"fileName":"new.zip","fileUrl":"https://new","fileSize":20}`,
	}, nil)
	assert.ErrorIs(t, err, apperror.ErrTooManyFiles)
}

func TestUpdateGistRejectsMalformedFilesToDelete(t *testing.T) {
	f := newGistFixture(t)
	gist := f.seedGist(t, model.VisibilityPublic)

	_, err := f.svc.Update(context.Background(), f.ownerID, gist.ID, dto.UpdateGistRequest{
		FileNameWithExtension: "main.go",
		GistCode:              "y",
		FilesToDeleteJSON:     `{"nope":true}`,
	}, nil)
	assert.ErrorIs(t, err, apperror.ErrInvalidInput)
}

func TestDeleteGist(t *testing.T) {
	f := newGistFixture(t)
	fileURL := "https://res.example.com/a.zip"
	gist := f.seedGist(t, model.VisibilityPublic, model.SharedFile{FileName: "a.zip", FileURL: fileURL, FileSize: 1})

	require.NoError(t, f.svc.Delete(context.Background(), f.ownerID, gist.ID.String()))
	assert.Contains(t, f.blobs.deleted, fileURL)
	assert.Contains(t, f.search.removed, gist.ID.String())
	assert.NotContains(t, f.gists.gists, gist.ID)
}

func TestDeleteGistGuards(t *testing.T) {
	f := newGistFixture(t)
	gist := f.seedGist(t, model.VisibilityPublic)

	assert.ErrorIs(t, f.svc.Delete(context.Background(), f.ownerID, "demo-js-1"), apperror.ErrForbidden)
	assert.ErrorIs(t, f.svc.Delete(context.Background(), uuid.New(), gist.ID.String()), apperror.ErrUnauthorized)
	assert.ErrorIs(t, f.svc.Delete(context.Background(), f.ownerID, "not-a-uuid"), apperror.ErrNotFound)
}

func TestGetGistVisibility(t *testing.T) {
	f := newGistFixture(t)
	private := f.seedGist(t, model.VisibilityPrivate)

	_, err := f.svc.Get(context.Background(), private.ID.String(), uuid.New(), "anon:1.2.3.4")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	resp, err := f.svc.Get(context.Background(), private.ID.String(), f.ownerID, f.ownerID.String())
	require.NoError(t, err)
	assert.Equal(t, private.ID.String(), resp.ID)
	assert.Len(t, f.views.counted, 1)
}

func TestGetGistCountsView(t *testing.T) {
	f := newGistFixture(t)
	gist := f.seedGist(t, model.VisibilityPublic)
	gist.Views = 5

	resp, err := f.svc.Get(context.Background(), gist.ID.String(), uuid.Nil, "anon:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 6, resp.Views, "response reflects the view being counted")
	assert.Contains(t, f.views.counted[0], "anon:1.2.3.4")
}

func TestGetGistDemo(t *testing.T) {
	f := newGistFixture(t)

	resp, err := f.svc.Get(context.Background(), "demo-go-1", uuid.Nil, "anon:x")
	require.NoError(t, err)
	assert.Equal(t, "demo-go-1", resp.ID)
	assert.NotEmpty(t, resp.Code)
	assert.Empty(t, f.views.counted, "demo views are display-only")
}

func TestGetGistNotFound(t *testing.T) {
	f := newGistFixture(t)

	_, err := f.svc.Get(context.Background(), "garbage", uuid.Nil, "anon:x")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = f.svc.Get(context.Background(), uuid.NewString(), uuid.Nil, "anon:x")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestGetRaw(t *testing.T) {
	f := newGistFixture(t)
	gist := f.seedGist(t, model.VisibilityPublic)

	name, code, err := f.svc.GetRaw(context.Background(), gist.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "main.go", name)
	assert.Equal(t, "package main", code)

	name, _, err = f.svc.GetRaw(context.Background(), "demo-python-1")
	require.NoError(t, err)
	assert.NotEmpty(t, name)
}

func TestSearchDropsPrivateAndUnknownHits(t *testing.T) {
	f := newGistFixture(t)
	public := f.seedGist(t, model.VisibilityPublic)
	private := f.seedGist(t, model.VisibilityPrivate)

	f.search.hits = []string{public.ID.String(), private.ID.String(), uuid.NewString(), "not-a-uuid"}

	out, err := f.svc.Search(context.Background(), "main", 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, public.ID.String(), out[0].ID)
}

func TestListByUserPublicOnlyForOthers(t *testing.T) {
	f := newGistFixture(t)
	f.seedGist(t, model.VisibilityPublic)
	f.seedGist(t, model.VisibilityPrivate)

	own, err := f.svc.ListByUser(context.Background(), f.ownerID, f.ownerID)
	require.NoError(t, err)
	assert.Len(t, own, 2)

	others, err := f.svc.ListByUser(context.Background(), f.ownerID, uuid.New())
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestListDemoReturnsCopies(t *testing.T) {
	f := newGistFixture(t)

	first := f.svc.ListDemo()
	require.NotEmpty(t, first)
	first[0].Views = 999999

	second := f.svc.ListDemo()
	assert.NotEqual(t, 999999, second[0].Views)
}
