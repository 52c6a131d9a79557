package entity

// ComposeInput 一张参与合成的输入图片，指向已归一化的本地文件。
type ComposeInput struct {
	Path     string
	MimeType string
}

// ComposeRequest 一次合成调用：按顺序排列的输入图片加一段文本指令。
// OutputPath 不含扩展名，客户端根据响应的 MIME 类型补全。
type ComposeRequest struct {
	Images      []ComposeInput
	Instruction string
	OutputPath  string
}

// ComposeResult 一次成功合成的产物。Warning 非空表示结果字节未通过
// 落盘校验且修复失败，调用方自行决定是否采信。
type ComposeResult struct {
	Path     string
	MimeType string
	Data     []byte
	Text     string
	Warning  string
}

// BatchRequest 一个已解码的试穿批次：原始上传图片加模式与可选指令覆盖。
type BatchRequest struct {
	Mode        BatchMode
	Portraits   []Upload
	Garments    []Upload
	Instruction string
}
