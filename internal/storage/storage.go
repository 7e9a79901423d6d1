package storage

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/disintegration/imaging"
)

const thumbnailEdge = 256

// Saved 一次保存的结果
type Saved struct {
	LocalPath     string
	RemoteURL     string
	ThumbnailPath string
	ThumbnailURL  string
	Width         int
	Height        int
}

// Storage 结果图存储
type Storage interface {
	Save(name string, data []byte) (Saved, error)
	SaveWithThumbnail(name string, data []byte) (Saved, error)
	Open(name string) (*os.File, error)
	Delete(name string) error
}

// ThumbName 缩略图与原图放在同一目录，文件名加 thumb_ 前缀
func ThumbName(name string) string {
	dir, file := filepath.Split(name)
	return filepath.ToSlash(filepath.Join(dir, "thumb_"+strings.TrimSuffix(file, filepath.Ext(file))+".jpg"))
}

// thumbnail 生成 256x256 缩略图，同时返回原图尺寸
func thumbnail(data []byte) ([]byte, int, int, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("解码图片失败: %w", err)
	}
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	dst := imaging.Thumbnail(img, thumbnailEdge, thumbnailEdge, imaging.Lanczos)
	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, dst, imaging.JPEG); err != nil {
		return nil, width, height, fmt.Errorf("编码缩略图失败: %w", err)
	}
	return buf.Bytes(), width, height, nil
}

// LocalStorage 本地目录
type LocalStorage struct {
	BaseDir string
}

func (l *LocalStorage) path(name string) string {
	return filepath.Join(l.BaseDir, filepath.FromSlash(name))
}

func (l *LocalStorage) Save(name string, data []byte) (Saved, error) {
	path := l.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Saved{}, fmt.Errorf("创建目录失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return Saved{}, fmt.Errorf("写入本地文件失败: %w", err)
	}
	return Saved{LocalPath: path}, nil
}

func (l *LocalStorage) SaveWithThumbnail(name string, data []byte) (Saved, error) {
	saved, err := l.Save(name, data)
	if err != nil {
		return Saved{}, err
	}
	thumb, width, height, err := thumbnail(data)
	saved.Width, saved.Height = width, height
	if err != nil {
		return saved, err
	}
	t, err := l.Save(ThumbName(name), thumb)
	if err != nil {
		return saved, fmt.Errorf("保存缩略图失败: %w", err)
	}
	saved.ThumbnailPath = t.LocalPath
	return saved, nil
}

func (l *LocalStorage) Open(name string) (*os.File, error) {
	return os.Open(l.path(name))
}

func (l *LocalStorage) Delete(name string) error {
	err := os.Remove(l.path(name))
	_ = os.Remove(l.path(ThumbName(name)))
	return err
}

// OSSStorage 阿里云 OSS 镜像
type OSSStorage struct {
	Bucket *oss.Bucket
	Domain string
}

func (s *OSSStorage) put(name string, data []byte) (string, error) {
	if err := s.Bucket.PutObject(name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("OSS 上传失败: %w", err)
	}
	return fmt.Sprintf("https://%s/%s", s.Domain, name), nil
}

func (s *OSSStorage) Save(name string, data []byte) (Saved, error) {
	url, err := s.put(name, data)
	if err != nil {
		return Saved{}, err
	}
	return Saved{RemoteURL: url}, nil
}

func (s *OSSStorage) SaveWithThumbnail(name string, data []byte) (Saved, error) {
	saved, err := s.Save(name, data)
	if err != nil {
		return Saved{}, err
	}
	thumb, width, height, err := thumbnail(data)
	saved.Width, saved.Height = width, height
	if err != nil {
		return saved, err
	}
	if saved.ThumbnailURL, err = s.put(ThumbName(name), thumb); err != nil {
		return saved, fmt.Errorf("上传缩略图到 OSS 失败: %w", err)
	}
	return saved, nil
}

func (s *OSSStorage) Open(name string) (*os.File, error) {
	return nil, fmt.Errorf("OSS 存储不支持本地读取: %s", name)
}

func (s *OSSStorage) Delete(name string) error {
	err := s.Bucket.DeleteObject(name)
	_ = s.Bucket.DeleteObject(ThumbName(name))
	return err
}

// CompositeStorage 本地为主，配置了 OSS 时再镜像一份
type CompositeStorage struct {
	Local *LocalStorage
	OSS   *OSSStorage
}

func (c *CompositeStorage) Save(name string, data []byte) (Saved, error) {
	saved, err := c.Local.Save(name, data)
	if err != nil || c.OSS == nil {
		return saved, err
	}
	if remote, err := c.OSS.Save(name, data); err == nil {
		saved.RemoteURL = remote.RemoteURL
	}
	return saved, nil
}

func (c *CompositeStorage) SaveWithThumbnail(name string, data []byte) (Saved, error) {
	saved, err := c.Local.SaveWithThumbnail(name, data)
	if err != nil {
		return saved, err
	}
	if c.OSS == nil {
		return saved, nil
	}
	// OSS 镜像失败不影响本地结果
	if remote, err := c.OSS.Save(name, data); err == nil {
		saved.RemoteURL = remote.RemoteURL
	}
	if thumb, err := os.ReadFile(saved.ThumbnailPath); err == nil {
		if remote, err := c.OSS.Save(ThumbName(name), thumb); err == nil {
			saved.ThumbnailURL = remote.RemoteURL
		}
	}
	return saved, nil
}

func (c *CompositeStorage) Open(name string) (*os.File, error) {
	return c.Local.Open(name)
}

func (c *CompositeStorage) Delete(name string) error {
	var errs []string
	if err := c.Local.Delete(name); err != nil {
		errs = append(errs, fmt.Sprintf("本地删除失败: %v", err))
	}
	if c.OSS != nil {
		if err := c.OSS.Delete(name); err != nil {
			errs = append(errs, fmt.Sprintf("OSS 删除失败: %v", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("删除过程出错: %s", strings.Join(errs, "; "))
	}
	return nil
}

// OSSConfig OSS 连接参数
type OSSConfig struct {
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
	BucketName      string
	Domain          string
}

// New 创建存储；ossCfg 为 nil 时只写本地
func New(localDir string, ossCfg *OSSConfig) (Storage, error) {
	local := &LocalStorage{BaseDir: localDir}
	if ossCfg == nil {
		return &CompositeStorage{Local: local}, nil
	}
	client, err := oss.New(ossCfg.Endpoint, ossCfg.AccessKeyID, ossCfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("创建 OSS 客户端失败: %w", err)
	}
	bucket, err := client.Bucket(ossCfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("打开 OSS bucket 失败: %w", err)
	}
	return &CompositeStorage{
		Local: local,
		OSS:   &OSSStorage{Bucket: bucket, Domain: ossCfg.Domain},
	}, nil
}
