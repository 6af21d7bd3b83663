package wiki

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&WikiPage{}, &VersionRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

type wikiFixture struct {
	db      *gorm.DB
	pages   *PageService
	history *HistoryManager
}

func newWikiFixture(testContext *testing.T, recentLimit int) wikiFixture {
	testContext.Helper()
	database := openTestDatabase(testContext)
	clock := newSteppingClock()
	pages, err := NewPageService(PageServiceConfig{
		Database:   database,
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{ids: []string{"page-1", "page-2", "page-3"}},
	})
	if err != nil {
		testContext.Fatalf("failed to build page service: %v", err)
	}
	history, err := NewHistoryManager(HistoryConfig{
		Database:    database,
		Clock:       clock.Now,
		RecentLimit: recentLimit,
	})
	if err != nil {
		testContext.Fatalf("failed to build history manager: %v", err)
	}
	return wikiFixture{db: database, pages: pages, history: history}
}

func (f wikiFixture) createPage(testContext *testing.T, content string) PageID {
	testContext.Helper()
	snapshot, err := f.pages.CreatePage(context.Background(), CreatePageRequest{
		ProjectID: "project-1",
		Path:      "/guide",
		Title:     "Guide",
		Content:   content,
	})
	if err != nil {
		testContext.Fatalf("failed to create page: %v", err)
	}
	return snapshot.ID
}

func (f wikiFixture) commit(testContext *testing.T, pageID PageID, editor UserID, content string) VersionRecord {
	testContext.Helper()
	record, err := f.history.Commit(context.Background(), pageID, editor, content)
	if err != nil {
		testContext.Fatalf("commit %q failed: %v", content, err)
	}
	return record
}

func (f wikiFixture) loadPage(testContext *testing.T, pageID PageID) WikiPage {
	testContext.Helper()
	var page WikiPage
	if err := f.db.Where("id = ?", pageID.String()).Take(&page).Error; err != nil {
		testContext.Fatalf("failed to load page: %v", err)
	}
	return page
}

func (f wikiFixture) archivedVersions(testContext *testing.T, pageID PageID) []int64 {
	testContext.Helper()
	var versions []int64
	if err := f.db.Model(&VersionRecord{}).
		Where("wiki_page_id = ?", pageID.String()).
		Order("version ASC").
		Pluck("version", &versions).Error; err != nil {
		testContext.Fatalf("failed to list archive: %v", err)
	}
	return versions
}

func bufferVersions(page WikiPage) []int64 {
	versions := make([]int64, 0, len(page.RecentVersions))
	for _, summary := range page.RecentVersions {
		versions = append(versions, summary.Version)
	}
	return versions
}

func versionRange(from, to int64) []int64 {
	versions := make([]int64, 0, to-from+1)
	for version := from; version <= to; version++ {
		versions = append(versions, version)
	}
	return versions
}

func equalVersions(left, right []int64) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
