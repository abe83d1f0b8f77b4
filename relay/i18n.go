package relay

// 通知文案，按 zh / ja / en 排列
var texts = map[string][3]string{
	"me":            {"我", "私", "Me"},
	"offline":       {"微信已掉线，请重新登录", "WeChat がオフラインになりました。再ログインしてください", "WeChat went offline, please log in again"},
	"online":        {"微信已重新上线", "WeChat がオンラインに戻りました", "WeChat is back online"},
	"bind_usage":    {"用法: /bind <wxid>", "使い方: /bind <wxid>", "Usage: /bind <wxid>"},
	"bind_ok":       {"已绑定到 %s", "%s にバインドしました", "Bound to %s"},
	"bind_failed":   {"绑定失败: %v", "バインドに失敗しました: %v", "Bind failed: %v"},
	"unbind_ok":     {"已解除绑定", "バインドを解除しました", "Unbound"},
	"unbind_failed": {"解除绑定失败: %v", "バインド解除に失敗しました: %v", "Unbind failed: %v"},
	"not_allowed":   {"无权执行该命令", "このコマンドを実行する権限がありません", "You are not allowed to run this command"},
}

// text 返回本地化文案，未知语言回落到中文
func text(lang, key string) string {
	t, ok := texts[key]
	if !ok {
		return key
	}
	switch lang {
	case "ja":
		return t[1]
	case "en":
		return t[2]
	default:
		return t[0]
	}
}
