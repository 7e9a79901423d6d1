package jobs

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
)

// prepareUpload 长边超过 maxEdge 时等比缩小并转为 JPEG。
// 无法解码的文件原样上传，由后端判定。
func prepareUpload(att Attachment, maxEdge, quality int, log zerolog.Logger) (string, []byte) {
	name := att.FileName
	if name == "" {
		name = "image.jpg"
	}
	if maxEdge <= 0 {
		return name, att.Content
	}

	img, err := imaging.Decode(bytes.NewReader(att.Content), imaging.AutoOrientation(true))
	if err != nil {
		log.Debug().Err(err).Str("file", name).Msg("图片无法解码，原样上传")
		return name, att.Content
	}
	b := img.Bounds()
	if b.Dx() <= maxEdge && b.Dy() <= maxEdge {
		return name, att.Content
	}

	resized := imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, resized, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		log.Warn().Err(err).Str("file", name).Msg("压缩图片失败，原样上传")
		return name, att.Content
	}
	log.Debug().Str("file", name).Int("width", b.Dx()).Int("height", b.Dy()).Int("max_edge", maxEdge).Msg("上传前已缩小图片")
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg", buf.Bytes()
}
