package controllers

import (
	"net/http"

	"github.com/angelmondragon/grubhaul-backend/api/responses"
	"github.com/angelmondragon/grubhaul-backend/api/validators"
	"github.com/angelmondragon/grubhaul-backend/internal/deliveries"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/pagination"
)

func deliveriesUnavailable() error {
	return pkgerrors.New(pkgerrors.CodeInternal, "deliveries service unavailable")
}

// CreateDeliveryAssignment opens a pending delivery for a ready order.
func CreateDeliveryAssignment(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, deliveriesUnavailable())
			return
		}
		actor, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body deliveries.CreateAssignmentRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		delivery, err := svc.CreateAssignment(r.Context(), deliveries.CreateAssignmentInput{Actor: actor, CreateAssignmentRequest: body})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, delivery)
	}
}

// ListAvailableDeliveries returns unclaimed deliveries for couriers.
func ListAvailableDeliveries(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return listDeliveries(svc, logg, false)
}

// ListMyDeliveries returns the courier's own deliveries.
func ListMyDeliveries(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return listDeliveries(svc, logg, true)
}

func listDeliveries(svc deliveries.Service, logg *logger.Logger, mine bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, deliveriesUnavailable())
			return
		}
		actor, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, cursor, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input := deliveries.ListInput{Actor: actor, Limit: limit, Cursor: cursor}
		var page pagination.Page[deliveries.DeliveryDTO]
		if mine {
			page, err = svc.ListMine(r.Context(), input)
		} else {
			page, err = svc.ListAvailable(r.Context(), input)
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}

func GetDelivery(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, deliveriesUnavailable())
			return
		}
		actor, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		deliveryID, err := validators.ParseUUIDParam(r, "deliveryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		delivery, err := svc.Get(r.Context(), actor, deliveryID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, delivery)
	}
}

// AcceptDelivery lets a courier claim a pending delivery.
func AcceptDelivery(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, deliveriesUnavailable())
			return
		}
		actor, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		deliveryID, err := validators.ParseUUIDParam(r, "deliveryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body deliveries.AcceptRequest
		if err := validators.DecodeOptionalJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		delivery, err := svc.AcceptDelivery(r.Context(), deliveries.AcceptInput{
			Actor:      actor,
			DeliveryID: deliveryID,
			Location:   body.Location,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, delivery)
	}
}

func UpdateDeliveryStatus(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, deliveriesUnavailable())
			return
		}
		actor, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		deliveryID, err := validators.ParseUUIDParam(r, "deliveryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body deliveries.UpdateStatusRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status, err := enums.ParseDeliveryStatus(body.Status)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status").
				WithDetails(map[string]string{"status": "unknown delivery status"}))
			return
		}

		delivery, err := svc.UpdateDeliveryStatus(r.Context(), deliveries.UpdateStatusInput{
			Actor:      actor,
			DeliveryID: deliveryID,
			Status:     status,
			Location:   body.Location,
			Note:       derefString(body.Note),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, delivery)
	}
}
