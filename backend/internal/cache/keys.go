package cache

import "fmt"

// Key layout:
// - roomKey(sessionID):  ZSET<userId> scored by heartbeat expiry (unix seconds)
// - namesKey(sessionID): HASH<userId -> display name>
//
// {sessionID} 是 hash tag：同一个会话的两个 key 落在同一个 cluster slot，
// lua 清理脚本才能同时操作它们（否则 CROSSSLOT）。
const (
	keyRoomFmt  = "presence:{%s}:room"
	keyNamesFmt = "presence:{%s}:names"
)

func roomKey(sessionID string) string  { return fmt.Sprintf(keyRoomFmt, sessionID) }
func namesKey(sessionID string) string { return fmt.Sprintf(keyNamesFmt, sessionID) }
