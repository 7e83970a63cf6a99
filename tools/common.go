package tools

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
)

// EnvMap 把当前进程环境折叠成 map，供 mapstructure 解码配置用。
func EnvMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

func RandID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
