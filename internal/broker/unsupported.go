package broker

import (
	"github.com/ksred/klear-broker/pkg/apperr"
)

var errAlreadyFilled = apperr.New(apperr.KindBrokerRejected, "order already filled")

// notImplemented is returned for brokers whose credentials are supported but
// whose order API has no adapter yet.
func notImplemented(broker string) error {
	return apperr.Newf(apperr.KindBrokerNotImplemented, "order routing for %s is not implemented", broker)
}
