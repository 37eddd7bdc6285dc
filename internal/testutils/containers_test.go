package testutils_test

import (
	"testing"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/testutils"
	"github.com/stretchr/testify/require"
)

// TestSetupRedisContainer_SkipsWithoutDocker 沒有 Docker 時跳過而非失敗，
// 有 Docker 時返回可用的客戶端
func TestSetupRedisContainer_SkipsWithoutDocker(t *testing.T) {
	client := testutils.SetupRedisContainer(t)
	require.NoError(t, client.Ping(t.Context()).Err())
}

// TestSetupNATSContainer_SkipsWithoutDocker 同上，針對 NATS 容器
func TestSetupNATSContainer_SkipsWithoutDocker(t *testing.T) {
	url := testutils.SetupNATSContainer(t)
	require.NotEmpty(t, url)
}
