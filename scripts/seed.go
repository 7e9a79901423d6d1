package main

import (
	"os"
	"strconv"

	"yilaitu-client/internal/config"
	"yilaitu-client/internal/logger"
	"yilaitu-client/internal/model"
	"yilaitu-client/internal/store"
)

// 开发用：把已有的 token 写入本地缓存，服务启动时会按此恢复登录态。
// 用法: YILAITU_TOKEN=xxx YILAITU_USER_ID=7 go run ./scripts/seed.go
func main() {
	config.InitConfig()
	log := logger.Log

	token := os.Getenv("YILAITU_TOKEN")
	userID, err := strconv.ParseInt(os.Getenv("YILAITU_USER_ID"), 10, 64)
	if token == "" || err != nil || userID <= 0 {
		log.Fatal().Msg("需要设置 YILAITU_TOKEN 与 YILAITU_USER_ID")
	}

	db, err := model.OpenDB(config.GlobalConfig.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("打开本地数据库失败")
	}
	sess := model.Session{
		AccessToken:  token,
		RefreshToken: os.Getenv("YILAITU_REFRESH_TOKEN"),
		User:         model.User{ID: userID, Nickname: "dev"},
	}
	if err := store.New(db).SaveSession(sess); err != nil {
		log.Fatal().Err(err).Msg("写入登录态失败")
	}

	log.Info().Int64("user_id", userID).Str("db", config.GlobalConfig.Database.Path).Msg("开发登录态已写入")
}
