package api

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"yilaitu-client/internal/model"
	"yilaitu-client/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	maxExportRemoteSize = 50 * 1024 * 1024
	exportFetchParallel = 4
)

type exportRecordsRequest struct {
	RecordIDs    []int64 `json:"recordIds"`
	RecordIDsAlt []int64 `json:"record_ids"`
}

type exportEntry struct {
	name   string
	local  string
	remote string
	data   []byte
}

// ExportRecords 把选中记录的结果图打包成 zip。
// 优先使用已下载到本地的文件，没有时从记录里的地址拉取。
func (h *Handler) ExportRecords(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	var req exportRecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, 400, "参数解析失败")
		return
	}
	ids := req.RecordIDs
	if len(ids) == 0 {
		ids = req.RecordIDsAlt
	}
	if len(ids) == 0 {
		Error(c, http.StatusBadRequest, 400, "recordIds 不能为空")
		return
	}

	entries, missing := h.collectExport(ids)
	if len(entries) == 0 {
		Error(c, http.StatusNotFound, 404, "没有可导出的图片")
		return
	}

	exportFailed := h.fetchRemote(c.Request.Context(), entries)

	fileName := fmt.Sprintf("yilaitu-%s.zip", uuid.NewString()[:8])
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", fileName))
	if len(missing) > 0 || len(exportFailed) > 0 {
		c.Header("X-Export-Partial", "true")
	}
	c.Status(http.StatusOK)

	zipWriter := zip.NewWriter(c.Writer)
	defer zipWriter.Close()

	for _, entry := range entries {
		if entry.local == "" && entry.data == nil {
			continue
		}
		writer, err := zipWriter.Create(entry.name)
		if err != nil {
			exportFailed = append(exportFailed, fmt.Sprintf("%s: %v", entry.name, err))
			continue
		}
		if entry.data != nil {
			_, err = writer.Write(entry.data)
		} else {
			err = copyLocalFile(writer, entry.local)
		}
		if err != nil {
			exportFailed = append(exportFailed, fmt.Sprintf("%s: %v", entry.name, err))
		}
	}

	if len(missing) > 0 || len(exportFailed) > 0 {
		if writer, err := zipWriter.Create("missing.txt"); err == nil {
			lines := append([]string{}, missing...)
			lines = append(lines, exportFailed...)
			_, _ = writer.Write([]byte(strings.Join(lines, "\n")))
		}
	}
	logFrom(c).Info().Int("records", len(ids)).Int("files", len(entries)).Int("failed", len(missing)+len(exportFailed)).Msg("导出完成")
}

// collectExport 为每条记录的每张结果图找到来源
func (h *Handler) collectExport(ids []int64) ([]*exportEntry, []string) {
	local := map[string]model.ResultFileRow{}
	byRecord := map[int64][]model.ResultFileRow{}
	if h.store != nil {
		rows, err := h.store.ResultFiles(ids...)
		if err == nil {
			for _, row := range rows {
				local[fmt.Sprintf("%d_%d", row.RecordID, row.ImageIndex)] = row
				byRecord[row.RecordID] = append(byRecord[row.RecordID], row)
			}
		}
	}

	var entries []*exportEntry
	var missing []string
	for _, id := range ids {
		rec, ok := h.app.Feed.FindByID(strconv.FormatInt(id, 10))
		if !ok {
			// 不在当前记录流里，只能导出已下载的文件
			rows := byRecord[id]
			if len(rows) == 0 {
				missing = append(missing, fmt.Sprintf("%d: not found", id))
			}
			for _, row := range rows {
				entry := &exportEntry{name: path.Base(row.LocalPath), remote: row.RemoteURL}
				if _, err := os.Stat(row.LocalPath); err == nil {
					entry.local = row.LocalPath
				}
				entries = append(entries, entry)
			}
			continue
		}
		if rec.Status != model.StatusCompleted || len(rec.Images) == 0 {
			missing = append(missing, fmt.Sprintf("%d: no result images", id))
			continue
		}
		for _, img := range rec.Images {
			entry := &exportEntry{name: path.Base(worker.FileName(id, img)), remote: h.resolve(img.Source())}
			if row, ok := local[fmt.Sprintf("%d_%d", id, img.Index)]; ok {
				if _, err := os.Stat(row.LocalPath); err == nil {
					entry.local = row.LocalPath
				}
			}
			if entry.local == "" && entry.remote == "" {
				missing = append(missing, fmt.Sprintf("%s: no available file", entry.name))
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, missing
}

// fetchRemote 并发拉取没有本地文件的结果图，返回失败列表
func (h *Handler) fetchRemote(ctx context.Context, entries []*exportEntry) []string {
	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(exportFetchParallel)
	for _, entry := range entries {
		if entry.local != "" || entry.remote == "" {
			continue
		}
		g.Go(func() error {
			buf := new(bytes.Buffer)
			if err := h.writeRemoteFile(gctx, buf, entry.remote); err != nil {
				mu.Lock()
				failed = append(failed, fmt.Sprintf("%s: %v", entry.name, err))
				mu.Unlock()
				return nil
			}
			entry.data = buf.Bytes()
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

func (h *Handler) resolve(src string) string {
	if src == "" || strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return src
	}
	return h.app.Client.BaseURL() + "/" + strings.TrimLeft(src, "/")
}

func copyLocalFile(w io.Writer, p string) error {
	file, err := os.Open(p)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(w, file)
	return err
}

func (h *Handler) writeRemoteFile(ctx context.Context, writer io.Writer, source string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return err
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}

	reader := io.LimitReader(resp.Body, maxExportRemoteSize+1)
	written, err := io.Copy(writer, reader)
	if err != nil {
		return err
	}
	if written > maxExportRemoteSize {
		return fmt.Errorf("remote file exceeds %d bytes", maxExportRemoteSize)
	}
	return nil
}
