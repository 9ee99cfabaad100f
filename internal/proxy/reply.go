package proxy

// BadRequestReply is written verbatim, without headers, to clients whose
// first bytes name no usable target.
const BadRequestReply = "<html>" +
	"<head><title>Bad Request</title></head>" +
	"<body><h1>400 Bad Request</h1></body>" +
	"</html>"
