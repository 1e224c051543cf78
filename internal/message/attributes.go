package message

import (
	"gitlab.com/gitlab-org/labkit/log"
)

// RequestAttributes maps req to a flat attribute set suitable for log fields.
func RequestAttributes(req Request) log.Fields {
	fields := log.Fields{
		"request_seq":        req.Seq,
		"request_command":    req.Command,
		"request_args_count": len(req.Args),
		"request_size_bytes": len(req.Payload),
	}

	if req.ParseErr != nil {
		fields["request_parse_error"] = req.ParseErr.Error()
	}

	return fields
}

// ResponseAttributes maps resp to a flat attribute set suitable for log fields.
func ResponseAttributes(resp Response) log.Fields {
	fields := log.Fields{
		"response_seq":        resp.Seq,
		"response_size_bytes": len(resp.Payload),
		"response_error":      resp.IsError(),
	}

	if resp.IsError() {
		fields["response_error_message"] = resp.Err
	}

	return fields
}
