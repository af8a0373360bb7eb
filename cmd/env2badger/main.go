// env2badger 把 .env 中的 BRM 身份凭据写入加密 badger 库，供 intraday-bot 通过 BRM_SECRET_DB 读取。
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/Andrei-Ionita/BRM-Trading/pkg/secretstore"
)

func main() {
	var (
		inPath    = flag.String("in", ".env", "input .env file path")
		dbPath    = flag.String("badger", getenv("BRM_SECRET_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("BRM_SECRET_KEY", ""), "badger encryption key (32 bytes base64/hex)")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set BRM_SECRET_KEY or pass -secret-key"))
	}

	kv, err := godotenv.Read(*inPath)
	if err != nil {
		fatal(err)
	}
	creds := secretstore.Credentials{
		ClientID:     strings.TrimSpace(kv["BRM_CLIENT_ID"]),
		ClientSecret: strings.TrimSpace(kv["BRM_CLIENT_SECRET"]),
		Username:     strings.TrimSpace(kv["BRM_USERNAME"]),
		Password:     strings.TrimSpace(kv["BRM_PASSWORD"]),
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{Path: *dbPath, EncryptionKey: keyBytes})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if err := secretstore.NewBadgerVault(ss).Put(creds); err != nil {
		fatal(err)
	}
	user := creds.Username
	if user == "" {
		user = "(client_credentials)"
	}
	fmt.Fprintf(os.Stderr, "已写入凭据到 badger：%s（用户 %s）\n", *dbPath, user)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
