package providers

import (
	"github.com/smallbiznis/referralpool/internal/providers/email"
	"github.com/smallbiznis/referralpool/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	pdf.Module,
	email.Module,
)
