package wecom

import "encoding/json"

// apiStatus is the errcode/errmsg pair every endpoint returns.
type apiStatus struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

type tokenResponse struct {
	apiStatus
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type syncMsgRequest struct {
	Cursor      string `json:"cursor"`
	Token       string `json:"token,omitempty"`
	Limit       int    `json:"limit"`
	VoiceFormat int    `json:"voice_format"`
	OpenKfID    string `json:"open_kfid"`
}

type syncMsgResponse struct {
	apiStatus
	NextCursor string            `json:"next_cursor"`
	HasMore    int               `json:"has_more"`
	MsgList    []json.RawMessage `json:"msg_list"`
}

type syncMessage struct {
	MsgID          string    `json:"msgid"`
	OpenKfID       string    `json:"open_kfid"`
	ExternalUserID string    `json:"external_userid"`
	SendTime       int64     `json:"send_time"`
	Origin         int       `json:"origin"`
	MsgType        string    `json:"msgtype"`
	Text           *textBody `json:"text,omitempty"`
}

type textBody struct {
	Content string `json:"content"`
}

type kfSendRequest struct {
	ToUser   string   `json:"touser"`
	OpenKfID string   `json:"open_kfid"`
	MsgID    string   `json:"msgid,omitempty"`
	MsgType  string   `json:"msgtype"`
	Text     textBody `json:"text"`
}

type agentSendRequest struct {
	ToUser                 string   `json:"touser"`
	ToParty                string   `json:"toparty"`
	ToTag                  string   `json:"totag"`
	MsgType                string   `json:"msgtype"`
	AgentID                int      `json:"agentid"`
	Text                   textBody `json:"text"`
	Safe                   int      `json:"safe"`
	EnableIDTrans          int      `json:"enable_id_trans"`
	EnableDuplicateCheck   int      `json:"enable_duplicate_check"`
	DuplicateCheckInterval int      `json:"duplicate_check_interval"`
}
